//go:build !windows

package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/hupe1980/biomesh/agent"
	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/engine"
	"github.com/hupe1980/biomesh/flagpool"
	"github.com/hupe1980/biomesh/internal/testutil"
	"github.com/hupe1980/biomesh/model"
	"github.com/hupe1980/biomesh/semtype"
	"github.com/hupe1980/biomesh/tool"
)

const testAddr = "127.0.0.1:7001"

const echoArgs = `echo "{\"id\": \"$2\"}"
`

func fetchTool(t *testing.T, autoConfirm bool, body string) *tool.Descriptor {
	t.Helper()
	return &tool.Descriptor{
		Name:           "uniprot.fetch",
		Description:    "Fetch a UniProt entry",
		RequiredParams: []tool.Param{{Name: "id", SemanticType: semtype.UniProtID}},
		ReturnValues:   []tool.ReturnValue{{Name: "id", SemanticType: semtype.UniProtID}},
		Command:        []string{testutil.WriteScript(t, t.TempDir(), "fetch.sh", body)},
		AutoConfirm:    autoConfirm,
	}
}

// fetchScript queues the model replies of a one-step fetch session.
func fetchScript() *model.MockModel {
	m := model.NewMockModel("mock", "test")
	m.Enqueue(
		`{"input": {"entity0": {"UNIPROT_ID": "P06213"}}, "output": []}`,
		`{"step1": {"tool": "uniprot.fetch", "description": "fetch the entry"}}`,
		`{"target": "P06213"}`,
		"The entry P06213 was fetched [step1].",
		"Fetch UniProt P06213",
	)
	return m
}

type fixture struct {
	srv   *Server
	http  *httptest.Server
	flags *flagpool.FileStore
}

func newFixture(t *testing.T, reg *tool.Registry, m *model.MockModel) *fixture {
	t.Helper()
	client := model.NewClient(model.StaticProvider{"default": m}, func(o *model.ClientOptions) {
		o.Retry = model.RetryPolicy{MaxAttempts: 1}
	})
	orch := engine.New(reg, client, func(o *engine.Options) {
		o.Executor = agent.NewExecutor(func(eo *agent.ExecutorOptions) { eo.GracePeriod = 200 * time.Millisecond })
	})

	flags, err := flagpool.NewFileStore(t.TempDir())
	require.NoError(t, err)

	srv, err := New(orch, func(o *Options) {
		o.Addr = testAddr
		o.Flags = flags
		o.Registry = reg
	})
	require.NoError(t, err)
	require.NoError(t, srv.Publish(context.Background()))

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &fixture{srv: srv, http: hs, flags: flags}
}

func chatQuery(t *testing.T, request string) string {
	t.Helper()
	msgs, err := json.Marshal([]core.Turn{{Role: "user", Content: request}})
	require.NoError(t, err)
	return url.Values{"out_dir": {t.TempDir()}, "messages": {string(msgs)}}.Encode()
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	return resp
}

func (f *fixture) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp := f.get(t, path)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func (f *fixture) state(t *testing.T) flagpool.State {
	t.Helper()
	e, err := f.flags.Get(context.Background(), testAddr)
	require.NoError(t, err)
	return e.State
}

// stream reads a chat response, calling fn for every envelope, and returns
// the non-partial ones.
func stream(t *testing.T, body io.Reader, fn func(core.Envelope)) []core.Envelope {
	t.Helper()
	var final []core.Envelope
	err := core.DecodeEnvelopes(body, func(e core.Envelope) error {
		if fn != nil {
			fn(e)
		}
		if !e.Partial {
			final = append(final, e)
		}
		return nil
	})
	require.NoError(t, err)
	return final
}

func outcomeOf(t *testing.T, e core.Envelope) core.Outcome {
	t.Helper()
	require.Equal(t, core.StatusDone, e.Status)
	var o core.Outcome
	require.NoError(t, json.Unmarshal(e.Content, &o))
	return o
}

func TestNew_RequiresAddrAndFlags(t *testing.T) {
	orch := engine.New(testutil.Registry(t), model.NewClient(model.StaticProvider{}))

	_, err := New(orch, func(o *Options) { o.Addr = testAddr })
	assert.Error(t, err)

	flags, err := flagpool.NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = New(orch, func(o *Options) { o.Flags = flags })
	assert.Error(t, err)

	_, err = New(nil, func(o *Options) { o.Addr = testAddr; o.Flags = flags })
	assert.Error(t, err)
}

func TestChat_StreamsSessionAndFlipsFlag(t *testing.T) {
	f := newFixture(t, testutil.Registry(t, fetchTool(t, true, echoArgs)), fetchScript())
	assert.Equal(t, flagpool.StateIdle, f.state(t))

	resp := f.get(t, "/chat?"+chatQuery(t, "Fetch the UniProt entry P06213"))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	first := true
	final := stream(t, resp.Body, func(core.Envelope) {
		if first {
			assert.Equal(t, flagpool.StateBusy, f.state(t))
			first = false
		}
	})

	require.NotEmpty(t, final)
	for _, e := range final {
		assert.False(t, e.IsPlacement())
	}
	var sawResult bool
	for _, e := range final {
		if e.Status == core.StatusToolResult {
			sawResult = true
		}
	}
	assert.True(t, sawResult)

	last := final[len(final)-1]
	assert.Equal(t, core.SenderSystem, last.Sender)
	o := outcomeOf(t, last)
	assert.Empty(t, o.Kind)
	assert.Equal(t, "Fetch UniProt P06213", o.Title)

	assert.Equal(t, flagpool.StateIdle, f.state(t))
	_, running := f.srv.Current()
	assert.False(t, running)
}

func TestChat_RejectsInvalidRequest(t *testing.T) {
	f := newFixture(t, testutil.Registry(t), model.NewMockModel("mock", "test"))

	for _, query := range []string{
		"",
		"out_dir=/tmp/x",
		"out_dir=/tmp/x&messages=not-json",
		"out_dir=/tmp/x&messages=" + url.QueryEscape(`[{"role":"assistant","content":"hi"}]`),
	} {
		resp := f.get(t, "/chat?"+query)
		final := stream(t, resp.Body, nil)
		resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
		require.Len(t, final, 1, query)
		ec, ok := final[0].AsError()
		require.True(t, ok)
		assert.Equal(t, core.KindValidation, ec.Kind)
	}
	assert.Equal(t, flagpool.StateIdle, f.state(t))
}

func TestChat_SecondChatIsRejectedWhileAwaitingConfirmation(t *testing.T) {
	f := newFixture(t, testutil.Registry(t, fetchTool(t, false, echoArgs)), fetchScript())

	resp := f.get(t, "/chat?"+chatQuery(t, "Fetch the UniProt entry P06213"))
	defer resp.Body.Close()

	var (
		proposed *core.ToolCall
		body     map[string]string
	)
	final := stream(t, resp.Body, func(e core.Envelope) {
		if e.Status != core.StatusToolCalling || e.Analysis != agent.AnalysisAwaitingConfirmation {
			return
		}
		proposed = e.ToolArg
		assert.Equal(t, flagpool.StateBusy, f.state(t))

		second := f.get(t, "/chat?"+chatQuery(t, "Fetch something else"))
		rejected := stream(t, second.Body, nil)
		second.Body.Close()
		assert.Equal(t, http.StatusConflict, second.StatusCode)
		require.Len(t, rejected, 1)
		_, ok := rejected[0].AsError()
		assert.True(t, ok)

		assert.Equal(t, http.StatusBadRequest, f.getJSON(t, "/change_tool_call?tool_args=%7Bnope", &body))
		assert.NotEmpty(t, body["error"])

		assert.Equal(t, http.StatusOK, f.getJSON(t, "/change_tool_call", &body))
		assert.Equal(t, "ok", body["status"])
	})

	require.NotNil(t, proposed)
	assert.Equal(t, map[string]any{"id": "P06213"}, proposed.Args)
	assert.Empty(t, outcomeOf(t, final[len(final)-1]).Kind)

	f.getJSON(t, "/change_tool_call", &body)
	assert.Equal(t, "no_pending_call", body["status"])
}

func TestTerminate_EndsSessionWithCancelledDone(t *testing.T) {
	f := newFixture(t, testutil.Registry(t, fetchTool(t, true, "echo started\nsleep 30\n")), fetchScript())

	resp := f.get(t, "/chat?"+chatQuery(t, "Fetch the UniProt entry P06213"))
	defer resp.Body.Close()

	var (
		terminated bool
		after      []core.Envelope
	)
	stream(t, resp.Body, func(e core.Envelope) {
		if terminated {
			after = append(after, e)
			return
		}
		var delta core.Delta
		if e.Partial && json.Unmarshal(e.Content, &delta) == nil && delta.Text == "started" {
			var body map[string]string
			f.getJSON(t, "/terminate", &body)
			assert.Equal(t, "ok", body["status"])
			terminated = true
		}
	})

	require.True(t, terminated, "tool never started")
	require.Len(t, after, 1)
	assert.Equal(t, string(core.KindCancelled), outcomeOf(t, after[0]).Kind)

	var body map[string]string
	f.getJSON(t, "/terminate", &body)
	assert.Equal(t, "no_session", body["status"])
	assert.Equal(t, flagpool.StateIdle, f.state(t))
}

func TestSyncToolset(t *testing.T) {
	root := t.TempDir()
	testutil.WriteDescriptor(t, root, "uniprot", "fetch_sequence", testutil.FetchDescriptor())
	reg, err := tool.NewRegistry(root)
	require.NoError(t, err)
	f := newFixture(t, reg, model.NewMockModel("mock", "test"))

	var first syncBody
	require.Equal(t, http.StatusOK, f.getJSON(t, "/sync_toolset", &first))
	assert.Equal(t, "ok", first.Status)
	assert.Equal(t, 1, first.Tools)
	assert.NotEmpty(t, first.Digest)

	outDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "artifacts"), 0o755))
	var same syncBody
	require.Equal(t, http.StatusOK, f.getJSON(t, "/sync_toolset?out_dir="+url.QueryEscape(outDir), &same))
	assert.Equal(t, 1, same.Tools)
	assert.Equal(t, first.Digest, same.Digest)
	assert.Equal(t, root, reg.Root())

	testutil.WriteDescriptor(t, root, "esmfold", "predict", testutil.FoldDescriptor())
	var second syncBody
	require.Equal(t, http.StatusOK, f.getJSON(t, "/sync_toolset?out_dir="+url.QueryEscape(outDir), &second))
	assert.Equal(t, 2, second.Tools)
	assert.NotEqual(t, first.Digest, second.Digest)
	assert.True(t, reg.Snapshot().Has("esmfold.predict"))

	require.NoError(t, os.WriteFile(filepath.Join(root, "esmfold", "broken.json"), []byte("{"), 0o644))
	var failed errorBody
	assert.Equal(t, http.StatusBadRequest, f.getJSON(t, "/sync_toolset?out_dir="+url.QueryEscape(outDir), &failed))
	assert.NotEmpty(t, failed.Error)
	assert.Equal(t, 2, reg.Snapshot().Len())
}

func TestHealth(t *testing.T) {
	f := newFixture(t, testutil.Registry(t), model.NewMockModel("mock", "test"))

	var h Health
	require.Equal(t, http.StatusOK, f.getJSON(t, "/health", &h))
	assert.Equal(t, testAddr, h.Addr)
	assert.Equal(t, flagpool.StateIdle, h.State)
	assert.Empty(t, h.SessionID)
	assert.GreaterOrEqual(t, h.MemUsedPercent, 0.0)
}

func TestShutdown_PublishesStopAndRefusesChats(t *testing.T) {
	f := newFixture(t, testutil.Registry(t, fetchTool(t, true, echoArgs)), fetchScript())

	require.NoError(t, f.srv.Shutdown(context.Background()))
	assert.Equal(t, flagpool.StateStop, f.state(t))

	resp := f.get(t, "/chat?"+chatQuery(t, "Fetch the UniProt entry P06213"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, flagpool.StateStop, f.state(t))
}

func TestWSChat_ConfirmsThroughControlFrame(t *testing.T) {
	f := newFixture(t, testutil.Registry(t, fetchTool(t, false, echoArgs)), fetchScript())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/chat?" + chatQuery(t, "Fetch the UniProt entry P06213")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var final []core.Envelope
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var e core.Envelope
		require.NoError(t, json.Unmarshal(data, &e))
		if e.Partial {
			continue
		}
		final = append(final, e)
		if e.Status == core.StatusToolCalling && e.Analysis == agent.AnalysisAwaitingConfirmation {
			frame, err := json.Marshal(ControlFrame{Type: ControlChangeToolCall})
			require.NoError(t, err)
			require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))
		}
		if e.Status == core.StatusDone {
			break
		}
	}

	require.NotEmpty(t, final)
	last := final[len(final)-1]
	assert.Empty(t, outcomeOf(t, last).Kind)
}

func TestParseOverride(t *testing.T) {
	call, err := parseOverride("", "")
	require.NoError(t, err)
	assert.Nil(t, call)

	call, err = parseOverride("blast", "")
	require.NoError(t, err)
	assert.Equal(t, &core.ToolCall{Tool: "blast", Args: map[string]any{}}, call)

	call, err = parseOverride("", `{"program": "blastp"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"program": "blastp"}, call.Args)

	_, err = parseOverride("", `["not", "an", "object"]`)
	assert.Error(t, err)
}
