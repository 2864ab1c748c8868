package tool

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hupe1980/biomesh/semtype"
)

// ResolveArgs merges bound arguments with parameter defaults. Unknown
// argument names are rejected.
func (d *Descriptor) ResolveArgs(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for name, v := range args {
		if _, ok := d.Param(name); !ok {
			return nil, fmt.Errorf("%s has no parameter %q", d.Name, name)
		}
		out[name] = v
	}
	for _, p := range d.OptionalParams {
		if _, ok := out[p.Name]; !ok && p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	for _, p := range d.RequiredParams {
		if _, ok := out[p.Name]; !ok {
			return nil, fmt.Errorf("missing required parameter %q", p.Name)
		}
	}
	return out, nil
}

// Argv builds the process command line: Command followed by --name value
// pairs in declaration order. Path-typed values are made absolute against
// baseDir.
func (d *Descriptor) Argv(args map[string]any, baseDir string) ([]string, error) {
	if len(d.Command) == 0 {
		return nil, NewToolError(d.Name, "descriptor has no command", "no_command")
	}
	argv := append([]string{}, d.Command...)
	if prog := argv[0]; d.Dir != "" && !filepath.IsAbs(prog) && strings.ContainsRune(prog, filepath.Separator) {
		argv[0] = filepath.Join(d.Dir, prog)
	}
	for i := 1; i < len(argv); i++ {
		if d.Dir != "" && strings.HasPrefix(argv[i], "./") {
			argv[i] = filepath.Join(d.Dir, argv[i])
		}
	}

	for _, p := range d.Params() {
		v, ok := args[p.Name]
		if !ok || v == nil {
			continue
		}
		s, err := formatArg(v)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", p.Name, err)
		}
		if p.SemanticType.IsPath() {
			s = semtype.Resolve(s, baseDir)
		}
		argv = append(argv, "--"+p.Name, s)
	}
	return argv, nil
}

func formatArg(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case json.Number:
		return x.String(), nil
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}
