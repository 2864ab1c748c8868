package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/flagpool"
	"github.com/hupe1980/biomesh/logging"
)

// ErrNoIdleWorker is returned when every worker is busy, leased or
// unreachable.
var ErrNoIdleWorker = errors.New("no idle worker")

// Options configures a Dispatcher.
type Options struct {
	// Flags is the worker pool. Required.
	Flags flagpool.Store
	// Client talks to workers. Chat streams are long lived, so the default
	// client has no overall timeout.
	Client *http.Client
	// Dial checks that a worker accepts connections. Defaults to a TCP dial
	// bounded by DialTimeout.
	Dial        func(ctx context.Context, addr string) error
	DialTimeout time.Duration
	// LeaseTTL keeps a chosen worker out of rotation until its flag has
	// flipped to busy.
	LeaseTTL time.Duration
	// HealthInterval is the period of the background health loop started
	// by Run.
	HealthInterval time.Duration
	Logger         logging.Logger
}

// Dispatcher routes chats to idle workers and forwards control calls.
type Dispatcher struct {
	opts Options

	mu     sync.Mutex
	leases map[string]time.Time
	now    func() time.Time
}

// New creates a dispatcher over the given flag pool.
func New(optFns ...func(o *Options)) (*Dispatcher, error) {
	opts := Options{
		Client:         &http.Client{},
		DialTimeout:    time.Second,
		LeaseTTL:       10 * time.Second,
		HealthInterval: 30 * time.Second,
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Flags == nil {
		return nil, errors.New("flag store is required")
	}
	if opts.Dial == nil {
		timeout := opts.DialTimeout
		opts.Dial = func(ctx context.Context, addr string) error {
			dialer := net.Dialer{Timeout: timeout}
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		}
	}
	return &Dispatcher{
		opts:   opts,
		leases: make(map[string]time.Time),
		now:    time.Now,
	}, nil
}

// Handler returns the dispatcher's HTTP routes.
func (d *Dispatcher) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /chat", d.chat)
	mux.HandleFunc("GET /change_tool_call", d.forward("/change_tool_call"))
	mux.HandleFunc("GET /terminate", d.forward("/terminate"))
	mux.HandleFunc("GET /sync_toolset", d.syncToolset)
	mux.HandleFunc("GET /workers", d.workers)
	return mux
}

// Lease picks the oldest idle worker that is neither excluded nor leased and
// accepts a connection. Unreachable workers are evicted from the pool. The
// returned release func ends the lease.
func (d *Dispatcher) Lease(ctx context.Context, exclude map[string]bool) (string, func(), error) {
	entries, err := d.opts.Flags.List(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("list workers: %w", err)
	}

	for _, e := range flagpool.Idle(entries) {
		if exclude[e.Addr] || !d.tryLease(e.Addr) {
			continue
		}
		if err := d.opts.Dial(ctx, e.Addr); err != nil {
			d.unlease(e.Addr)
			d.evict(ctx, e.Addr, err)
			continue
		}
		addr := e.Addr
		var once sync.Once
		return addr, func() { once.Do(func() { d.unlease(addr) }) }, nil
	}
	return "", nil, ErrNoIdleWorker
}

func (d *Dispatcher) tryLease(addr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if until, ok := d.leases[addr]; ok && now.Before(until) {
		return false
	}
	d.leases[addr] = now.Add(d.opts.LeaseTTL)
	return true
}

func (d *Dispatcher) unlease(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.leases, addr)
}

func (d *Dispatcher) evict(ctx context.Context, addr string, cause error) {
	d.opts.Logger.Warn("evicting unreachable worker", "addr", addr, "error", cause)
	if err := d.opts.Flags.Remove(ctx, addr); err != nil && !errors.Is(err, flagpool.ErrNotFound) {
		d.opts.Logger.Warn("removing worker flag failed", "addr", addr, "error", err)
	}
}

func workerURL(addr, path string, query url.Values) string {
	u := url.URL{Scheme: "http", Host: addr, Path: path}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (d *Dispatcher) get(ctx context.Context, addr, path string, query url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, workerURL(addr, path, query), nil)
	if err != nil {
		return nil, err
	}
	return d.opts.Client.Do(req)
}

func (d *Dispatcher) chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	tried := map[string]bool{}

	for {
		addr, release, err := d.Lease(ctx, tried)
		if err != nil {
			if !errors.Is(err, ErrNoIdleWorker) {
				d.opts.Logger.Error("leasing worker failed", "error", err)
			}
			envelopeError(w, http.StatusServiceUnavailable, core.KindInternal, ErrNoIdleWorker.Error())
			return
		}
		tried[addr] = true

		resp, err := d.get(ctx, addr, "/chat", query)
		if err != nil {
			release()
			if ctx.Err() != nil {
				return
			}
			d.evict(ctx, addr, err)
			continue
		}
		// The worker flips its flag to busy before answering.
		release()

		if resp.StatusCode == http.StatusConflict {
			resp.Body.Close()
			d.opts.Logger.Debug("worker busy, trying next", "addr", addr)
			continue
		}
		d.relayStream(w, addr, resp)
		return
	}
}

// relayStream writes the placement envelope and copies the worker stream
// line by line. Rejected requests are relayed without placement.
func (d *Dispatcher) relayStream(w http.ResponseWriter, addr string, resp *http.Response) {
	defer resp.Body.Close()

	w.Header().Set("Content-Type", ndjsonContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	if resp.StatusCode == http.StatusOK {
		if err := core.PlacementEnvelope(addr).Encode(w); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	d.opts.Logger.Info("chat placed", "addr", addr, "status", resp.StatusCode)
	if _, err := io.Copy(flushWriter{w: w, f: flusher}, resp.Body); err != nil {
		d.opts.Logger.Debug("chat relay ended", "addr", addr, "error", err)
	}
}

type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

// forward relays a control call to the worker named by the ip parameter.
// Only workers with a flag in the pool are reachable this way.
func (d *Dispatcher) forward(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		addr := strings.TrimSpace(query.Get("ip"))
		if addr == "" {
			jsonError(w, http.StatusBadRequest, "ip is required")
			return
		}
		query.Del("ip")

		known, err := d.registered(r.Context(), addr)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !known {
			d.opts.Logger.Warn("control call for unknown worker", "addr", addr, "path", path)
			jsonError(w, http.StatusNotFound, fmt.Sprintf("worker %s is not registered", addr))
			return
		}

		resp, err := d.get(r.Context(), addr, path, query)
		if err != nil {
			jsonError(w, http.StatusBadGateway, fmt.Sprintf("worker %s: %v", addr, err))
			return
		}
		defer resp.Body.Close()

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}

func (d *Dispatcher) registered(ctx context.Context, addr string) (bool, error) {
	entries, err := d.opts.Flags.List(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Addr == addr {
			return true, nil
		}
	}
	return false, nil
}

type syncResult struct {
	Workers map[string]json.RawMessage `json:"workers"`
}

func (d *Dispatcher) syncToolset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := d.opts.Flags.List(ctx)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	query := url.Values{}
	if outDir := r.URL.Query().Get("out_dir"); outDir != "" {
		query.Set("out_dir", outDir)
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = syncResult{Workers: map[string]json.RawMessage{}}
	)
	for _, e := range entries {
		if e.State == flagpool.StateStop {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			result := d.syncWorker(ctx, addr, query)
			mu.Lock()
			out.Workers[addr] = result
			mu.Unlock()
		}(e.Addr)
	}
	wg.Wait()

	jsonResponse(w, http.StatusOK, out)
}

func (d *Dispatcher) syncWorker(ctx context.Context, addr string, query url.Values) json.RawMessage {
	resp, err := d.get(ctx, addr, "/sync_toolset", query)
	if err != nil {
		return errorJSON(err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorJSON(err.Error())
	}
	if !json.Valid(data) {
		return errorJSON(fmt.Sprintf("worker answered %d with invalid JSON", resp.StatusCode))
	}
	return json.RawMessage(data)
}

func (d *Dispatcher) workers(w http.ResponseWriter, r *http.Request) {
	entries, err := d.opts.Flags.List(r.Context())
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	flagpool.LeaseOrder(entries)
	jsonResponse(w, http.StatusOK, map[string]any{"workers": entries})
}

// EvictUnreachable dials every worker that has not stopped and evicts the
// unreachable ones. It returns the evicted addresses.
func (d *Dispatcher) EvictUnreachable(ctx context.Context) ([]string, error) {
	entries, err := d.opts.Flags.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	var evicted []string
	for _, e := range entries {
		if e.State == flagpool.StateStop {
			continue
		}
		if err := d.opts.Dial(ctx, e.Addr); err != nil {
			if ctx.Err() != nil {
				return evicted, ctx.Err()
			}
			d.evict(ctx, e.Addr, err)
			evicted = append(evicted, e.Addr)
		}
	}
	return evicted, nil
}

// Run checks the pool every HealthInterval until ctx is done. A non-positive
// interval disables the checks and Run just waits.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.opts.HealthInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(d.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			evicted, err := d.EvictUnreachable(ctx)
			if err != nil && ctx.Err() == nil {
				d.opts.Logger.Warn("worker health check failed", "error", err)
			}
			if len(evicted) > 0 {
				d.opts.Logger.Info("workers evicted", "addrs", evicted)
			}
		}
	}
}
