package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/biomesh/artifact"
	"github.com/hupe1980/biomesh/core"
	"github.com/hupe1980/biomesh/internal/testutil"
	"github.com/hupe1980/biomesh/model"
	"github.com/hupe1980/biomesh/semtype"
	"github.com/hupe1980/biomesh/tool"
)

// recorder plays the engine's role: it appends final messages to the log and
// keeps every emitted message in order.
type recorder struct {
	mu   sync.Mutex
	log  *core.Log
	msgs []core.Message
}

func (r *recorder) emit(m core.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	if m.Partial {
		return nil
	}
	_, err := r.log.Append(m)
	return err
}

func (r *recorder) final() []core.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Message
	for _, m := range r.msgs {
		if !m.Partial {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) partials() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.Partial {
			n++
		}
	}
	return n
}

func newRunContext(t *testing.T, sess *core.Session, m *model.MockModel) (*RunContext, *recorder) {
	t.Helper()
	rec := &recorder{log: sess.Log}
	client := model.NewClient(model.StaticProvider{"default": m}, func(o *model.ClientOptions) {
		o.Retry = model.RetryPolicy{MaxAttempts: 1}
	})
	return &RunContext{
		Context:   context.Background(),
		Session:   sess,
		Tools:     sess.Tools,
		Model:     client,
		Checker:   semtype.NewChecker(),
		Artifacts: artifact.NewInMemoryStore(),
		Emit:      rec.emit,
	}, rec
}

func TestParser_DropsInvalidValues(t *testing.T) {
	sess := testutil.NewSessionBuilder("Predict the structure of P69905").Build(t)
	m := model.NewMockModel("mock", "test")
	m.Enqueue(`{"input": {"protein": {"UNIPROT_ID": "P69905"}, "structure": {"PDB_ID": "nope!"}, "x": {"NOT_A_TYPE": "1"}},
		"output": ["FULL_STRUCTURE_PATH", "WHAT"]}`)
	rc, rec := newRunContext(t, sess, m)

	q, err := NewParser().Parse(rc)
	require.NoError(t, err)

	assert.Equal(t, map[string]map[semtype.Type]any{"protein": {semtype.UniProtID: "P69905"}}, q.Input)
	assert.Equal(t, []semtype.Type{semtype.FullStructurePath}, q.Output)
	assert.Positive(t, rec.partials())

	final := rec.final()
	require.Len(t, final, 1)
	assert.Equal(t, core.SenderQueryParser, final[0].Sender)
	assert.Equal(t, core.StatusGenerating, final[0].Status)
	assert.Contains(t, final[0].Analysis, "dropped 2")

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Zero(t, reqs[0].Temperature)
	assert.True(t, reqs[0].Stream)
	assert.Contains(t, reqs[0].Messages[len(reqs[0].Messages)-1].Content, "UNIPROT_SUBSECTION")
}

func TestParser_UnparseableOutputYieldsEmptyQuery(t *testing.T) {
	sess := testutil.NewSessionBuilder("hello").Build(t)
	m := model.NewMockModel("mock", "test")
	m.Enqueue("I am not sure what you mean.")
	rc, rec := newRunContext(t, sess, m)

	q, err := NewParser().Parse(rc)
	require.NoError(t, err)
	assert.Empty(t, q.Input)
	assert.Contains(t, rec.final()[0].Analysis, "no JSON")
}

func TestParser_ModelFailureIsTransport(t *testing.T) {
	sess := testutil.NewSessionBuilder("hello").Build(t)
	m := model.NewMockModel("mock", "test")
	m.FailNext(&model.Error{Kind: model.KindOther, StatusCode: 500, Err: errors.New("server error")})
	rc, _ := newRunContext(t, sess, m)

	_, err := NewParser().Parse(rc)
	require.Error(t, err)
	assert.Equal(t, core.KindTransport, core.KindOf(err))
}

const twoStepPlan = `{"step1": {"tool": "uniprot.fetch_sequence", "description": "download", "inputs_expected": ["UNIPROT_ID"], "outputs_expected": ["FASTA_PATH"]},
"step2": {"tool": "esmfold.predict", "description": "fold", "inputs_expected": ["FASTA_PATH"], "outputs_expected": ["FULL_STRUCTURE_PATH"]}}`

func TestPlanner_StreamsAndEmitsPlan(t *testing.T) {
	sess := testutil.NewSessionBuilder("Predict the structure of P69905").Build(t)
	m := model.NewMockModel("mock", "test")
	m.Enqueue("```json\n" + twoStepPlan + "\n```")
	rc, rec := newRunContext(t, sess, m)

	query := core.ParsedQuery{Input: map[string]map[semtype.Type]any{"protein": {semtype.UniProtID: "P69905"}}}
	plan, err := NewPlanner().Plan(rc, query, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"step1", "step2"}, plan.IDs())
	assert.Positive(t, rec.partials())

	final := rec.final()
	require.Len(t, final, 1)
	var emitted core.Plan
	require.NoError(t, final[0].Decode(&emitted))
	assert.Equal(t, plan.IDs(), emitted.IDs())
	assert.Empty(t, final[0].Analysis)

	prompt := m.Requests()[0].Messages[1].Content
	assert.Contains(t, prompt, "TASK: PLAN")
	assert.Contains(t, prompt, "esmfold.predict")
}

func TestPlanner_NoToolsIsPlanningError(t *testing.T) {
	reg, err := tool.NewRegistry("")
	require.NoError(t, err)
	sess := testutil.NewSessionBuilder("fold it").Tools(reg.Snapshot()).Build(t)
	rc, _ := newRunContext(t, sess, model.NewMockModel("mock", "test"))

	_, err = NewPlanner().Plan(rc, core.ParsedQuery{}, nil)
	require.Error(t, err)
	assert.Equal(t, core.KindPlanning, core.KindOf(err))
}

func TestPlanner_UnknownToolIsPlanningError(t *testing.T) {
	sess := testutil.NewSessionBuilder("fold it").Build(t)
	m := model.NewMockModel("mock", "test")
	m.Enqueue(`{"step1": {"tool": "alphafold.predict", "description": "fold"}}`)
	rc, _ := newRunContext(t, sess, m)

	_, err := NewPlanner().Plan(rc, core.ParsedQuery{}, nil)
	require.Error(t, err)
	assert.Equal(t, core.KindPlanning, core.KindOf(err))
}

func TestPlanner_EmptyInitialPlanIsPlanningError(t *testing.T) {
	sess := testutil.NewSessionBuilder("fold it").Build(t)
	m := model.NewMockModel("mock", "test")
	m.Enqueue(`{}`)
	rc, _ := newRunContext(t, sess, m)

	_, err := NewPlanner().Plan(rc, core.ParsedQuery{}, nil)
	assert.Equal(t, core.KindPlanning, core.KindOf(err))
}

func TestPlanner_RepairPlan(t *testing.T) {
	sess := testutil.NewSessionBuilder("Predict the structure of P69905").
		Messages(testutil.ResultMessage("step1", "uniprot.fetch_sequence", `{"fasta": "P69905.fasta"}`)).
		Build(t)
	m := model.NewMockModel("mock", "test")
	m.Enqueue(`{"step1": {"tool": "esmfold.predict", "description": "fold again"}}`, `{}`)
	rc, rec := newRunContext(t, sess, m)
	repair := &Repair{Step: "step2", Tool: "esmfold.predict", Kind: core.KindToolFailure, Message: "out of memory"}

	plan, err := NewPlanner().Plan(rc, core.ParsedQuery{}, repair)
	require.NoError(t, err)
	assert.Equal(t, []string{"step2"}, plan.IDs())
	prompt := m.Requests()[0].Messages[1].Content
	assert.Contains(t, prompt, "TASK: REPAIR PLAN")
	assert.Contains(t, prompt, "out of memory")
	assert.Contains(t, prompt, "step1 uniprot.fetch_sequence")

	clarify, err := NewPlanner().Plan(rc, core.ParsedQuery{}, repair)
	require.NoError(t, err)
	assert.Zero(t, clarify.Len())
	final := rec.final()
	assert.Contains(t, final[len(final)-1].Analysis, "clarification")
}

func TestConnector_BindsFromPool(t *testing.T) {
	sess := testutil.NewSessionBuilder("Fetch P69905").
		Messages(testutil.ParserMessage(map[string]map[semtype.Type]any{"protein": {semtype.UniProtID: "P69905"}})).
		Build(t)
	m := model.NewMockModel("mock", "test")
	m.Enqueue(`{"target": "P69905"}`)
	rc, rec := newRunContext(t, sess, m)

	conn, err := NewConnector().Connect(rc, core.Step{ID: "step1", Tool: "uniprot.fetch_sequence"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"uniprot_id": "P69905"}, conn.Args)
	assert.Equal(t, core.SourceUserInput, conn.Bindings["uniprot_id"].Source)

	final := rec.final()
	require.Len(t, final, 2)
	var attempt core.ConnectAttempt
	require.NoError(t, final[0].Decode(&attempt))
	assert.Equal(t, ModeConnect, attempt.Mode)
	assert.True(t, attempt.OK)
	assert.Contains(t, m.Requests()[0].Messages[1].Content, "TASK: CONNECT")
}

func TestConnector_FillsDefaultsAndChainsResults(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, dir, "P69905.fasta", ">P69905\nMVLSPADKTNVKAAW\n")
	sess := testutil.NewSessionBuilder("Fold P69905").OutDir(dir).
		Messages(testutil.ResultMessage("step1", "uniprot.fetch_sequence", `{"fasta": "P69905.fasta"}`)).
		Build(t)
	m := model.NewMockModel("mock", "test")
	m.Enqueue(`{"target": "P69905.fasta"}`)
	rc, _ := newRunContext(t, sess, m)

	conn, err := NewConnector().Connect(rc, core.Step{ID: "step2", Tool: "esmfold.predict"})
	require.NoError(t, err)
	assert.Equal(t, "P69905.fasta", conn.Args["fasta"])
	assert.Equal(t, float64(4), conn.Args["recycles"])
	b := conn.Bindings["fasta"]
	assert.Equal(t, "step1", b.SourceStepID)
	assert.Equal(t, "uniprot.fetch_sequence", b.Source)
	assert.Equal(t, "fasta", b.SourceParameter)
	assert.Equal(t, "P69905.fasta", b.SourceValue)
	assert.Equal(t, "P69905.fasta", b.Value)
}

func TestConnector_FallsBackToExtraction(t *testing.T) {
	sess := testutil.NewSessionBuilder("Fetch P69905").
		Messages(testutil.ParserMessage(map[string]map[semtype.Type]any{"protein": {semtype.UniProtID: "P69905"}})).
		Build(t)
	m := model.NewMockModel("mock", "test")
	// The connect answer fails the type check, so extraction runs.
	m.Enqueue(`{"target": "not-an-accession"}`, `{"target": "P69905"}`)
	rc, rec := newRunContext(t, sess, m)

	conn, err := NewConnector().Connect(rc, core.Step{ID: "step1", Tool: "uniprot.fetch_sequence"})
	require.NoError(t, err)
	assert.Equal(t, "P69905", conn.Args["uniprot_id"])

	final := rec.final()
	require.Len(t, final, 3)
	var first, second core.ConnectAttempt
	require.NoError(t, final[0].Decode(&first))
	require.NoError(t, final[1].Decode(&second))
	assert.False(t, first.OK)
	assert.Equal(t, ModeExtract, second.Mode)
	assert.True(t, second.OK)
}

func TestConnector_MissingTypesIsBindingError(t *testing.T) {
	sess := testutil.NewSessionBuilder("Fold my favourite protein").Build(t)
	m := model.NewMockModel("mock", "test")
	m.Enqueue(`{"target": ""}`)
	rc, rec := newRunContext(t, sess, m)

	conn, err := NewConnector().Connect(rc, core.Step{ID: "step1", Tool: "esmfold.predict"})
	require.Error(t, err)
	assert.Equal(t, core.KindBinding, core.KindOf(err))
	assert.Equal(t, []semtype.Type{semtype.FASTAPath}, conn.MissingTypes)

	final := rec.final()
	var emitted core.Connection
	require.NoError(t, final[len(final)-1].Decode(&emitted))
	assert.Equal(t, []semtype.Type{semtype.FASTAPath}, emitted.MissingTypes)
	assert.Nil(t, emitted.Args)
}

func TestResponder_CitesKnownSteps(t *testing.T) {
	sess := testutil.NewSessionBuilder("Fetch P69905").
		Messages(testutil.ResultMessage("step1", "uniprot.fetch_sequence", `{"fasta": "P69905.fasta"}`)).
		Build(t)
	m := model.NewMockModel("mock", "test")
	m.Enqueue("The sequence was saved to P69905.fasta [step1]. See also [step9].")
	rc, rec := newRunContext(t, sess, m)

	answer, err := NewResponder().Respond(rc)
	require.NoError(t, err)
	assert.Equal(t, []string{"step1"}, answer.CitedSteps)
	assert.Positive(t, rec.partials())

	prompt := m.Requests()[0].Messages[1].Content
	assert.Contains(t, prompt, "Steps in this session: step1")
	assert.Contains(t, prompt, "[step1] uniprot.fetch_sequence result")
}

func TestCitations(t *testing.T) {
	assert.Equal(t, []string{"step2", "step1"}, Citations("[step2] then [step1] and [step2] [stepX]", []string{"step1", "step2"}))
	assert.Empty(t, Citations("no citations", []string{"step1"}))
}

func TestTitler_TruncatesAndFallsBack(t *testing.T) {
	sess := testutil.NewSessionBuilder("Predict the structure of human hemoglobin alpha chain P69905 and compare it with the crystal structure").Build(t)
	m := model.NewMockModel("mock", "test")
	m.Enqueue(`"Hemoglobin alpha structure prediction and comparison with crystal structure 2DN2"`)
	rc, _ := newRunContext(t, sess, m)

	title, err := NewTitler().Title(rc)
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(title.Title)), MaxTitleRunes)
	assert.True(t, len(title.Title) > 0 && title.Title[0] == 'H')

	m.FailNext(errors.New("unavailable"))
	title, err = NewTitler().Title(rc)
	require.NoError(t, err)
	assert.Equal(t, "Predict the structure of human hemoglobin alpha chain P69905", title.Title)
}
