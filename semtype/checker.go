package semtype

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// ErrorKind classifies a failed check.
type ErrorKind string

const (
	WrongType   ErrorKind = "wrong_type"
	MissingFile ErrorKind = "missing_file"
)

// CheckError reports why a value does not satisfy its semantic type.
type CheckError struct {
	Kind    ErrorKind
	Name    string
	Type    Type
	Message string
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Name, e.Type, e.Message)
}

// Options configures a Checker.
type Options struct {
	// HTTPClient enables remote lookups of identifier types when non-nil.
	HTTPClient *http.Client
	// LookupTimeout bounds a single lookup request.
	LookupTimeout time.Duration
	// Resolvers overrides the default lookup URL format per type.
	Resolvers map[Type]string
}

// Checker validates values against the semantic type table. It is stateless
// apart from its options and safe for concurrent use.
type Checker struct {
	opts Options
}

// NewChecker creates a Checker. Remote lookups are disabled unless WithLookup
// is used.
func NewChecker(optFns ...func(o *Options)) *Checker {
	opts := Options{LookupTimeout: 5 * time.Second, Resolvers: map[Type]string{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Checker{opts: opts}
}

// WithLookup enables HEAD requests against public identifier resolvers.
func WithLookup(c *http.Client) func(o *Options) {
	return func(o *Options) {
		o.HTTPClient = c
	}
}

// WithResolver points lookups for t at a different URL format ("%s" is the id).
func WithResolver(t Type, urlFormat string) func(o *Options) {
	return func(o *Options) {
		if o.Resolvers == nil {
			o.Resolvers = map[Type]string{}
		}
		o.Resolvers[t] = urlFormat
	}
}

// Check validates value against t. Relative paths are resolved against
// baseDir. A nil return means the value satisfies the type.
func (c *Checker) Check(ctx context.Context, name string, value any, t Type, baseDir string) error {
	def, ok := table[t]
	if !ok {
		return &CheckError{Kind: WrongType, Name: name, Type: t, Message: "unknown semantic type"}
	}

	fail := func(kind ErrorKind, format string, args ...any) error {
		return &CheckError{Kind: kind, Name: name, Type: t, Message: fmt.Sprintf(format, args...)}
	}

	if t == Parameter {
		if !isScalar(value) {
			return fail(WrongType, "expected a scalar, got %T", value)
		}
		return nil
	}

	s, ok := value.(string)
	if !ok {
		return fail(WrongType, "expected a string, got %T", value)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return fail(WrongType, "value is empty")
	}

	switch def.Category {
	case CategoryPath:
		return c.checkPath(def, s, baseDir, fail)
	case CategoryFreeform:
		return nil
	}

	if t == UniProtSubsection {
		if !slices.Contains(subsections, strings.ToLower(s)) {
			return fail(WrongType, "%q is not a known UniProt subsection", s)
		}
		return nil
	}

	if def.Pattern != nil && !def.Pattern.MatchString(s) {
		return fail(WrongType, "%q does not match the %s format", s, t)
	}

	if def.LookupURL != "" && c.opts.HTTPClient != nil {
		if err := c.lookup(ctx, def, s); err != nil {
			return fail(WrongType, "%s", err)
		}
	}

	return nil
}

// Resolve returns the absolute path a path-typed value refers to.
func Resolve(value, baseDir string) string {
	if filepath.IsAbs(value) || baseDir == "" {
		return filepath.Clean(value)
	}
	return filepath.Join(baseDir, value)
}

func (c *Checker) checkPath(def Def, s, baseDir string, fail func(ErrorKind, string, ...any) error) error {
	ext := strings.ToLower(filepath.Ext(s))
	if !slices.Contains(def.Extensions, ext) {
		return fail(WrongType, "extension %q not accepted (want one of %s)", ext, strings.Join(def.Extensions, ", "))
	}
	p := Resolve(s, baseDir)
	info, err := os.Stat(p)
	if err != nil {
		return fail(MissingFile, "file %s does not exist", p)
	}
	if !info.Mode().IsRegular() {
		return fail(MissingFile, "%s is not a regular file", p)
	}
	return nil
}

func (c *Checker) lookup(ctx context.Context, def Def, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.LookupTimeout)
	defer cancel()

	format := def.LookupURL
	if override, ok := c.opts.Resolvers[def.Type]; ok {
		format = override
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fmt.Sprintf(format, id), nil)
	if err != nil {
		return err
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("lookup failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s not found upstream (HTTP %d)", id, resp.StatusCode)
	}
	return nil
}

func isScalar(v any) bool {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x) != ""
	case bool, float64, float32, int, int64, int32, uint, uint64, json.Number:
		return true
	default:
		return false
	}
}
