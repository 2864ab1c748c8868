//go:build !windows

package engine

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/biomesh/agent"
	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/internal/testutil"
	"github.com/hupe1980/biomesh/model"
	"github.com/hupe1980/biomesh/semtype"
	"github.com/hupe1980/biomesh/tool"
)

const argsToJSON = `out=""
while [ $# -gt 1 ]; do
  out="$out\"${1#--}\": \"$2\", "
  shift 2
done
echo "{${out}\"ok\": true}"
`

func fetchTool(t *testing.T, autoConfirm bool) *tool.Descriptor {
	t.Helper()
	return &tool.Descriptor{
		Name:           "uniprot.fetch",
		Category:       "database",
		Description:    "Fetch a UniProt entry",
		RequiredParams: []tool.Param{{Name: "id", SemanticType: semtype.UniProtID}},
		ReturnValues:   []tool.ReturnValue{{Name: "id", SemanticType: semtype.UniProtID}},
		Command:        []string{testutil.WriteScript(t, t.TempDir(), "fetch.sh", argsToJSON)},
		AutoConfirm:    autoConfirm,
	}
}

func newOrchestrator(t *testing.T, reg *tool.Registry, m *model.MockModel, optFns ...func(o *Options)) *Orchestrator {
	t.Helper()
	client := model.NewClient(model.StaticProvider{"default": m}, func(o *model.ClientOptions) {
		o.Retry = model.RetryPolicy{MaxAttempts: 1}
	})
	fns := append([]func(o *Options){func(o *Options) {
		o.Executor = agent.NewExecutor(func(eo *agent.ExecutorOptions) { eo.GracePeriod = 200 * time.Millisecond })
	}}, optFns...)
	return New(reg, client, fns...)
}

func chat(t *testing.T, request string) ChatRequest {
	t.Helper()
	return ChatRequest{OutDir: t.TempDir(), Messages: []core.Turn{{Role: "user", Content: request}}}
}

// consume reads the run to completion, calling onMessage for each message,
// and returns the final (non-partial) messages.
func consume(t *testing.T, run *Run, onMessage func(core.Message)) []core.Message {
	t.Helper()
	var final []core.Message
	timeout := time.After(20 * time.Second)
	for {
		select {
		case m, ok := <-run.Events():
			if !ok {
				return final
			}
			if onMessage != nil {
				onMessage(m)
			}
			if !m.Partial {
				final = append(final, m)
			}
		case <-timeout:
			t.Fatal("run did not finish")
			return nil
		}
	}
}

type step struct {
	sender core.Sender
	status core.Status
}

func steps(msgs []core.Message) []step {
	out := make([]step, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, step{m.Sender, m.Status})
	}
	return out
}

func errorOf(t *testing.T, m core.Message) core.ErrorContent {
	t.Helper()
	var ec core.ErrorContent
	require.NoError(t, m.Decode(&ec))
	return ec
}

func TestOrchestrator_HappyPathWithConfirmation(t *testing.T) {
	reg := testutil.Registry(t, fetchTool(t, false))
	m := model.NewMockModel("mock", "test")
	m.Enqueue(
		`{"input": {"entity0": {"UNIPROT_ID": "P06213"}}, "output": []}`,
		`{"step1": {"tool": "uniprot.fetch", "description": "fetch the entry"}}`,
		`{"target": "P06213"}`,
		"The entry P06213 was fetched [step1].",
		"Fetch UniProt P06213",
	)
	orch := newOrchestrator(t, reg, m)

	run, err := orch.Start(context.Background(), chat(t, "Fetch the UniProt entry P06213"))
	require.NoError(t, err)

	final := consume(t, run, func(m core.Message) {
		if m.Status == core.StatusToolCalling && m.Analysis == agent.AnalysisAwaitingConfirmation {
			assert.True(t, run.Confirm(nil))
		}
	})

	assert.Equal(t, []step{
		{core.SenderQueryParser, core.StatusGenerating},
		{core.SenderPlanGenerator, core.StatusGenerating},
		{core.SenderToolConnector, core.StatusGenerating},
		{core.SenderToolConnector, core.StatusGenerating},
		{core.SenderToolExecutor, core.StatusToolCalling},
		{core.SenderToolExecutor, core.StatusToolResult},
		{core.SenderResponder, core.StatusGenerating},
		{core.SenderTitler, core.StatusGenerating},
		{core.SenderSystem, core.StatusDone},
	}, steps(final))

	assert.Equal(t, map[string]any{"id": "P06213"}, final[4].ToolArg.Args)
	var res core.ToolResult
	require.NoError(t, final[5].Decode(&res))
	assert.Equal(t, "step1", res.Step)
	assert.JSONEq(t, `{"id": "P06213", "ok": true}`, string(res.Result))

	outcome := run.Wait()
	assert.Empty(t, outcome.Kind)
	assert.Equal(t, "Fetch UniProt P06213", outcome.Title)
	assert.Equal(t, core.LifecycleFinished, run.Session().State())

	// The log holds the user request followed by everything forwarded.
	logged := run.Session().Log.Messages()
	require.Len(t, logged, len(final)+1)
	assert.Equal(t, core.SenderUser, logged[0].Sender)
	for i, m := range final {
		assert.Equal(t, m.ID, logged[i+1].ID)
	}
}

func TestOrchestrator_ReplansOnBindingErrorAndAsksForClarification(t *testing.T) {
	reg := testutil.Registry(t, fetchTool(t, true))
	m := model.NewMockModel("mock", "test")
	m.Enqueue(
		`{"input": {"entity0": {"UNIPROT_ID": "P06213XX"}}, "output": []}`,
		`{"step1": {"tool": "uniprot.fetch", "description": "fetch the entry"}}`,
		`{"target": "P06213XX"}`,
		`{}`,
		"P06213XX is not a valid UniProt accession. Which entry did you mean?",
		"Invalid UniProt accession",
	)
	orch := newOrchestrator(t, reg, m)

	run, err := orch.Start(context.Background(), chat(t, "Fetch the UniProt entry P06213XX"))
	require.NoError(t, err)
	final := consume(t, run, nil)

	assert.Equal(t, []step{
		{core.SenderQueryParser, core.StatusGenerating},
		{core.SenderPlanGenerator, core.StatusGenerating},
		{core.SenderToolConnector, core.StatusGenerating},
		{core.SenderToolConnector, core.StatusGenerating},
		{core.SenderToolConnector, core.StatusError},
		{core.SenderPlanGenerator, core.StatusGenerating},
		{core.SenderResponder, core.StatusGenerating},
		{core.SenderTitler, core.StatusGenerating},
		{core.SenderSystem, core.StatusDone},
	}, steps(final))

	var q core.ParsedQuery
	require.NoError(t, final[0].Decode(&q))
	assert.Empty(t, q.Input)
	assert.Equal(t, core.KindBinding, errorOf(t, final[4]).Kind)
	assert.Equal(t, "the request needs clarification before it can continue", final[5].Analysis)
	assert.Equal(t, 1, run.Session().Replans().Used())
	assert.Empty(t, run.Wait().Kind)
}

func TestOrchestrator_CancelMidTool(t *testing.T) {
	d := &tool.Descriptor{
		Name:           "esmfold.predict",
		Description:    "Predict a structure",
		RequiredParams: []tool.Param{{Name: "sequence", SemanticType: semtype.AASequence}},
		ReturnValues:   []tool.ReturnValue{{Name: "pdb", SemanticType: semtype.FullStructurePath}},
		Command:        []string{testutil.WriteScript(t, t.TempDir(), "fold.sh", "echo started\nsleep 30\n")},
		AutoConfirm:    true,
	}
	reg := testutil.Registry(t, d)
	m := model.NewMockModel("mock", "test")
	m.Enqueue(
		`{"input": {"protein": {"AA_SEQUENCE": "MKTAYIAKQR"}}, "output": ["FULL_STRUCTURE_PATH"]}`,
		`{"step1": {"tool": "esmfold.predict", "description": "fold"}}`,
		`{"target": "MKTAYIAKQR"}`,
	)
	orch := newOrchestrator(t, reg, m)

	run, err := orch.Start(context.Background(), chat(t, "Fold MKTAYIAKQR"))
	require.NoError(t, err)

	var (
		terminatedAt time.Time
		after        []core.Message
	)
	consume(t, run, func(m core.Message) {
		if !terminatedAt.IsZero() {
			after = append(after, m)
			return
		}
		var delta core.Delta
		if m.Partial && m.Sender == core.SenderToolExecutor && m.Decode(&delta) == nil && delta.Text == "started" {
			terminatedAt = time.Now()
			assert.True(t, run.Terminate())
			assert.False(t, run.Terminate())
		}
	})

	require.False(t, terminatedAt.IsZero(), "tool never started")
	require.Len(t, after, 1)
	assert.Equal(t, core.SenderSystem, after[0].Sender)
	assert.Equal(t, core.StatusDone, after[0].Status)
	var outcome core.Outcome
	require.NoError(t, after[0].Decode(&outcome))
	assert.Equal(t, string(core.KindCancelled), outcome.Kind)

	assert.Less(t, time.Since(terminatedAt), 5*time.Second)
	assert.Equal(t, string(core.KindCancelled), run.Wait().Kind)
	assert.Equal(t, core.LifecycleFinished, run.Session().State())
	assert.False(t, run.Terminate())
}

func TestOrchestrator_ConfirmationOverride(t *testing.T) {
	d := &tool.Descriptor{
		Name:           "blast",
		Description:    "Search sequence databases",
		RequiredParams: []tool.Param{{Name: "sequence", SemanticType: semtype.AASequence}},
		OptionalParams: []tool.Param{{Name: "program", SemanticType: semtype.Parameter, Default: "blastn"}},
		Command:        []string{testutil.WriteScript(t, t.TempDir(), "blast.sh", argsToJSON)},
	}
	reg := testutil.Registry(t, d)
	m := model.NewMockModel("mock", "test")
	m.Enqueue(
		`{"input": {"protein": {"AA_SEQUENCE": "MKTAYIAKQR"}}, "output": []}`,
		`{"step1": {"tool": "blast", "description": "search homologs"}}`,
		`{"target": "MKTAYIAKQR"}`,
		"Found homologs [step1].",
		"BLAST search",
	)
	orch := newOrchestrator(t, reg, m)

	run, err := orch.Start(context.Background(), chat(t, "Find homologs of MKTAYIAKQR"))
	require.NoError(t, err)
	final := consume(t, run, func(m core.Message) {
		if m.Status == core.StatusToolCalling && m.Analysis == agent.AnalysisAwaitingConfirmation {
			assert.True(t, run.Confirm(&core.ToolCall{Tool: "blast", Args: map[string]any{"program": "blastp"}}))
			assert.False(t, run.Confirm(nil))
		}
	})

	calls := run.Session().Log.Filter(core.SenderToolExecutor, core.StatusToolCalling)
	require.Len(t, calls, 2)
	assert.Equal(t, "blastn", calls[0].ToolArg.Args["program"])
	assert.Equal(t, agent.AnalysisOverride, calls[1].Analysis)
	assert.Equal(t, "blastp", calls[1].ToolArg.Args["program"])
	assert.Equal(t, "MKTAYIAKQR", calls[1].ToolArg.Args["sequence"])

	results := run.Session().Log.Filter(core.SenderToolExecutor, core.StatusToolResult)
	require.Len(t, results, 1)
	var res core.ToolResult
	require.NoError(t, results[0].Decode(&res))
	assert.JSONEq(t, `{"sequence": "MKTAYIAKQR", "program": "blastp", "ok": true}`, string(res.Result))
	assert.Equal(t, core.StatusDone, final[len(final)-1].Status)
}

func TestOrchestrator_InvalidOverrideTriggersReplanning(t *testing.T) {
	reg := testutil.Registry(t, fetchTool(t, false))
	m := model.NewMockModel("mock", "test")
	m.Enqueue(
		`{"input": {"entity0": {"UNIPROT_ID": "P06213"}}, "output": []}`,
		`{"step1": {"tool": "uniprot.fetch", "description": "fetch"}}`,
		`{"target": "P06213"}`,
		`{}`,
		"The override was not a valid accession.",
		"Fetch P06213",
	)
	orch := newOrchestrator(t, reg, m)

	run, err := orch.Start(context.Background(), chat(t, "Fetch the UniProt entry P06213"))
	require.NoError(t, err)
	final := consume(t, run, func(m core.Message) {
		if m.Status == core.StatusToolCalling && m.Analysis == agent.AnalysisAwaitingConfirmation {
			run.Confirm(&core.ToolCall{Args: map[string]any{"id": "not an id"}})
		}
	})

	errs := run.Session().Log.Filter(core.SenderToolExecutor, core.StatusError)
	require.Len(t, errs, 1)
	assert.Equal(t, core.KindValidation, errorOf(t, errs[0]).Kind)
	assert.Empty(t, run.Session().Log.Filter(core.SenderToolExecutor, core.StatusToolResult))
	assert.Equal(t, 1, run.Session().Replans().Used())
	assert.Equal(t, core.StatusDone, final[len(final)-1].Status)
}

func TestOrchestrator_PlanningErrorIsExplained(t *testing.T) {
	reg := testutil.Registry(t, fetchTool(t, true))
	m := model.NewMockModel("mock", "test")
	m.Enqueue(
		`{"input": {}, "output": ["SMILES"]}`,
		`{}`,
		"No registered tool can design small molecules.",
		"Small molecule design",
	)
	orch := newOrchestrator(t, reg, m)

	run, err := orch.Start(context.Background(), chat(t, "Design a kinase inhibitor"))
	require.NoError(t, err)
	final := consume(t, run, nil)

	assert.Equal(t, []step{
		{core.SenderQueryParser, core.StatusGenerating},
		{core.SenderPlanGenerator, core.StatusError},
		{core.SenderResponder, core.StatusGenerating},
		{core.SenderTitler, core.StatusGenerating},
		{core.SenderSystem, core.StatusDone},
	}, steps(final))
	assert.Equal(t, core.KindPlanning, errorOf(t, final[1]).Kind)

	outcome := run.Wait()
	assert.Equal(t, string(core.KindPlanning), outcome.Kind)
	assert.Equal(t, "Small molecule design", outcome.Title)
}

func TestOrchestrator_ReplanBudgetExhaustion(t *testing.T) {
	d := fetchTool(t, true)
	d.Command = []string{testutil.WriteScript(t, t.TempDir(), "fail.sh", "echo 'service unavailable' >&2\nexit 1\n")}
	reg := testutil.Registry(t, d)
	m := model.NewMockModel("mock", "test")
	plan := `{"step1": {"tool": "uniprot.fetch", "description": "fetch"}}`
	m.Enqueue(
		`{"input": {"entity0": {"UNIPROT_ID": "P06213"}}, "output": []}`,
		plan, `{"target": "P06213"}`,
		plan, `{"target": "P06213"}`,
	)
	orch := newOrchestrator(t, reg, m, func(o *Options) { o.ReplanBudget = 1 })

	run, err := orch.Start(context.Background(), chat(t, "Fetch the UniProt entry P06213"))
	require.NoError(t, err)
	final := consume(t, run, nil)

	var errs []core.Message
	for _, m := range final {
		if m.Status == core.StatusError {
			errs = append(errs, m)
		}
	}
	require.Len(t, errs, 3)
	assert.Equal(t, core.SenderToolExecutor, errs[0].Sender)
	assert.Equal(t, core.KindToolFailure, errorOf(t, errs[0]).Kind)
	assert.Contains(t, errorOf(t, errs[0]).Message, "service unavailable")
	assert.Equal(t, core.SenderSystem, errs[2].Sender)
	assert.Equal(t, core.KindToolFailure, errorOf(t, errs[2]).Kind)

	assert.Empty(t, run.Session().Log.Filter(core.SenderResponder, ""))
	assert.Equal(t, core.StatusDone, final[len(final)-1].Status)
	assert.Equal(t, string(core.KindToolFailure), run.Wait().Kind)
}

func TestOrchestrator_TransportErrorIsTerminal(t *testing.T) {
	reg := testutil.Registry(t, fetchTool(t, true))
	m := model.NewMockModel("mock", "test")
	m.FailNext(syscall.ECONNREFUSED)
	orch := newOrchestrator(t, reg, m)

	run, err := orch.Start(context.Background(), chat(t, "Fetch the UniProt entry P06213"))
	require.NoError(t, err)
	final := consume(t, run, nil)

	assert.Equal(t, []step{
		{core.SenderQueryParser, core.StatusError},
		{core.SenderSystem, core.StatusDone},
	}, steps(final))
	assert.Equal(t, core.KindTransport, errorOf(t, final[0]).Kind)
}

func TestOrchestrator_SessionsKeepTheirToolSnapshot(t *testing.T) {
	reg := testutil.Registry(t, fetchTool(t, false))
	m := model.NewMockModel("mock", "test")
	m.Enqueue(
		`{"input": {"entity0": {"UNIPROT_ID": "P06213"}}, "output": []}`,
		`{"step1": {"tool": "uniprot.fetch", "description": "fetch"}}`,
		`{"target": "P06213"}`,
	)
	orch := newOrchestrator(t, reg, m)

	first, err := orch.Start(context.Background(), chat(t, "Fetch the UniProt entry P06213"))
	require.NoError(t, err)
	consume(t, first, func(m core.Message) {
		if m.Status == core.StatusToolCalling && m.Analysis == agent.AnalysisAwaitingConfirmation {
			require.NoError(t, reg.Register(testutil.FoldDescriptor()))
			assert.False(t, first.Session().Tools.Has("esmfold.predict"))
			live, err := orch.Sessions().Get(first.Session().ID)
			require.NoError(t, err)
			assert.Same(t, first.Session(), live)
			first.Confirm(nil)
		}
	})

	second, err := orch.Start(context.Background(), chat(t, "Fold it"))
	require.NoError(t, err)
	assert.True(t, second.Session().Tools.Has("esmfold.predict"))
	second.Terminate()
	consume(t, second, nil)
}

func TestOrchestrator_ContextCancellationTerminates(t *testing.T) {
	reg := testutil.Registry(t, fetchTool(t, false))
	m := model.NewMockModel("mock", "test")
	m.Enqueue(
		`{"input": {"entity0": {"UNIPROT_ID": "P06213"}}, "output": []}`,
		`{"step1": {"tool": "uniprot.fetch", "description": "fetch"}}`,
		`{"target": "P06213"}`,
	)
	orch := newOrchestrator(t, reg, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run, err := orch.Start(ctx, chat(t, "Fetch the UniProt entry P06213"))
	require.NoError(t, err)

	go func() {
		for {
			if _, ok := run.Pending(); ok {
				cancel()
				return
			}
			select {
			case <-run.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()

	// Nobody reads after the disconnect; the run must still finish.
	for m := range run.Events() {
		if m.Status == core.StatusToolCalling {
			break
		}
	}
	select {
	case <-run.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish after disconnect")
	}
	assert.Equal(t, string(core.KindCancelled), run.Wait().Kind)
}

func TestChatRequest_Split(t *testing.T) {
	req := ChatRequest{Messages: []core.Turn{
		{Role: "user", Content: "fetch P69905"},
		{Role: "assistant", Content: "done"},
		{Role: "user", Content: "now fold it"},
	}}
	request, history, err := req.Split()
	require.NoError(t, err)
	assert.Equal(t, "now fold it", request)
	assert.Len(t, history, 2)

	_, _, err = ChatRequest{Messages: []core.Turn{{Role: "assistant", Content: "hi"}}}.Split()
	assert.ErrorIs(t, err, ErrNoRequest)
}

func TestOrchestrator_StartValidatesRequest(t *testing.T) {
	orch := newOrchestrator(t, testutil.Registry(t), model.NewMockModel("mock", "test"))
	_, err := orch.Start(context.Background(), ChatRequest{Messages: []core.Turn{{Role: "user", Content: "x"}}})
	assert.Error(t, err)
	_, err = orch.Start(context.Background(), ChatRequest{OutDir: t.TempDir()})
	assert.ErrorIs(t, err, ErrNoRequest)
}
