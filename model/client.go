package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/hupe1980/biomesh/logging"
)

// Endpoint is a named model preset.
type Endpoint struct {
	Name      string `yaml:"-" json:"name"`
	Provider  string `yaml:"provider" json:"provider"`
	BaseURL   string `yaml:"base_url" json:"base_url,omitempty"`
	APIKey    string `yaml:"api_key" json:"-"`
	Model     string `yaml:"model" json:"model"`
	MaxTokens int64  `yaml:"max_tokens" json:"max_tokens,omitempty"`
}

// EndpointProvider resolves a preset name to a ready Model.
type EndpointProvider interface {
	Model(preset string) (Model, error)
}

// StaticProvider serves fixed models by preset name.
type StaticProvider map[string]Model

// Model implements EndpointProvider.
func (p StaticProvider) Model(preset string) (Model, error) {
	m, ok := p[preset]
	if !ok {
		return nil, fmt.Errorf("unknown model preset %q", preset)
	}
	return m, nil
}

// RetryPolicy is a fixed-backoff bounded retry.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy retries up to three attempts one second apart.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Backoff: time.Second}

// ClientOptions configures a Client.
type ClientOptions struct {
	Preset  string
	Retry   RetryPolicy
	Timeout time.Duration
	Logger  logging.Logger
}

// Client issues model calls with retries, a per-call timeout and stop
// sequence enforcement. It is safe for concurrent use.
type Client struct {
	provider EndpointProvider
	opts     ClientOptions
}

// NewClient creates a Client over provider.
func NewClient(provider EndpointProvider, optFns ...func(o *ClientOptions)) *Client {
	opts := ClientOptions{
		Preset:  "default",
		Retry:   DefaultRetryPolicy,
		Timeout: 2 * time.Minute,
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	return &Client{provider: provider, opts: opts}
}

// WithPreset returns a copy of c bound to another preset.
func (c *Client) WithPreset(preset string) *Client {
	if preset == "" {
		return c
	}
	cp := *c
	cp.opts.Preset = preset
	return &cp
}

// Preset returns the bound preset name.
func (c *Client) Preset() string { return c.opts.Preset }

// Call streams generated text. Exactly one value (possibly nil) is sent on
// the error channel after the token channel is closed.
func (c *Client) Call(ctx context.Context, req Request) (<-chan string, <-chan error) {
	out := make(chan string, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		err := c.run(ctx, req, out)
		close(out)
		errCh <- err
	}()
	return out, errCh
}

// Complete runs a call and returns the whole text.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	tokens, errs := c.Call(ctx, req)
	var b strings.Builder
	for t := range tokens {
		b.WriteString(t)
	}
	return b.String(), <-errs
}

func (c *Client) run(ctx context.Context, req Request, out chan<- string) error {
	m, err := c.provider.Model(c.opts.Preset)
	if err != nil {
		return err
	}

	callCtx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	var (
		chars   int
		lastErr error
	)
	attempt := 1
	for ; ; attempt++ {
		var delivered int
		delivered, lastErr = c.attempt(callCtx, m, req, out)
		chars += delivered
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if callCtx.Err() != nil {
			lastErr = &Error{Kind: KindTransport, Err: fmt.Errorf("timed out after %s", c.opts.Timeout)}
			break
		}
		me := classify(lastErr)
		if delivered > 0 || !me.Retryable() {
			lastErr = me
			break
		}
		if attempt >= c.opts.Retry.MaxAttempts {
			lastErr = &Error{Kind: KindTransport, StatusCode: me.StatusCode, Err: fmt.Errorf("giving up after %d attempts: %w", attempt, me)}
			break
		}
		c.opts.Logger.Warn("retrying model call", "preset", c.opts.Preset, "attempt", attempt, "kind", me.Kind, "error", me.Err)
		select {
		case <-callCtx.Done():
			return &Error{Kind: KindTransport, Err: callCtx.Err()}
		case <-time.After(c.opts.Retry.Backoff):
		}
	}

	logging.LLMCall(c.opts.Logger, m.Info().Name, chars, attempt, time.Since(start), lastErr == nil, lastErr)
	return lastErr
}

// attempt performs one provider call and returns how many characters were
// forwarded to out.
func (c *Client) attempt(ctx context.Context, m Model, req Request, out chan<- string) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resp, errs := m.Generate(ctx, req)
	cut := newStopCutter(req.Stop)
	delivered := 0

	emit := func(s string) error {
		if s == "" {
			return nil
		}
		select {
		case out <- s:
			delivered += len(s)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for r := range resp {
		text, stopped := cut.push(r.Delta)
		if err := emit(text); err != nil {
			return delivered, err
		}
		if stopped {
			cancel()
			for range resp {
			}
			return delivered, nil
		}
	}
	if err := <-errs; err != nil {
		return delivered, err
	}
	return delivered, emit(cut.flush())
}

func classify(err error) *Error {
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return &Error{Kind: KindConnection, Err: err}
	}
	return &Error{Kind: KindOther, Err: err}
}

// stopCutter truncates a stream at the first stop sequence, holding back
// just enough text to detect sequences split across chunks.
type stopCutter struct {
	stops   []string
	hold    int
	acc     strings.Builder
	emitted int
	done    bool
}

func newStopCutter(stops []string) *stopCutter {
	sc := &stopCutter{}
	for _, s := range stops {
		if s == "" {
			continue
		}
		sc.stops = append(sc.stops, s)
		sc.hold = max(sc.hold, len(s)-1)
	}
	return sc
}

func (sc *stopCutter) push(delta string) (string, bool) {
	if sc.done {
		return "", true
	}
	sc.acc.WriteString(delta)
	if len(sc.stops) == 0 {
		text := sc.acc.String()[sc.emitted:]
		sc.emitted += len(text)
		return text, false
	}

	all := sc.acc.String()
	from := max(0, sc.emitted-sc.hold)
	cutAt := -1
	for _, s := range sc.stops {
		if i := strings.Index(all[from:], s); i >= 0 && (cutAt < 0 || from+i < cutAt) {
			cutAt = from + i
		}
	}
	if cutAt >= 0 {
		sc.done = true
		text := ""
		if cutAt > sc.emitted {
			text = all[sc.emitted:cutAt]
		}
		sc.emitted = len(all)
		return text, true
	}
	safe := len(all) - sc.hold
	for safe > sc.emitted && safe < len(all) && !utf8.RuneStart(all[safe]) {
		safe--
	}
	if safe <= sc.emitted {
		return "", false
	}
	text := all[sc.emitted:safe]
	sc.emitted = safe
	return text, false
}

func (sc *stopCutter) flush() string {
	if sc.done {
		return ""
	}
	all := sc.acc.String()
	text := all[sc.emitted:]
	sc.emitted = len(all)
	return text
}
