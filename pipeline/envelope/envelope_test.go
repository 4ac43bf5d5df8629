package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		name   string
		result StageResult
		want   Outcome
	}{
		{"ok", StageResult{OK: true, Code: CodeOK}, OutcomeOK},
		{"rejected no control", StageResult{OK: false, Code: CodeRejected}, OutcomeRejected},
		{"await input", StageResult{OK: false, Control: ControlAwaitInput}, OutcomeAwaitingInput},
		{"await revision", StageResult{OK: false, Control: ControlAwaitRevision}, OutcomeAwaitingRevision},
		// Pause controls take precedence over the ok flag.
		{"ok with await input", StageResult{OK: true, Control: ControlAwaitInput}, OutcomeAwaitingInput},
		{"rejected with next stage hint", StageResult{OK: false, Control: "plan-review"}, OutcomeRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.Outcome())
		})
	}
}

func TestIsPause(t *testing.T) {
	assert.True(t, (&StageResult{Control: ControlAwaitInput}).IsPause())
	assert.True(t, (&StageResult{Control: ControlAwaitRevision}).IsPause())
	assert.False(t, (&StageResult{OK: true, Control: ControlComplete}).IsPause())
	assert.False(t, (&StageResult{OK: false}).IsPause())
}

func TestStageList(t *testing.T) {
	r := &StageResult{Data: map[string]any{KeyStages: []any{"intake", "clarify"}}}
	stages, ok := r.StageList()
	require.True(t, ok)
	assert.Equal(t, []string{"intake", "clarify"}, stages)

	// Empty list is treated as absent: a hard routing error, not a fallback.
	r = &StageResult{Data: map[string]any{KeyStages: []any{}}}
	_, ok = r.StageList()
	assert.False(t, ok)

	r = &StageResult{}
	_, ok = r.StageList()
	assert.False(t, ok)
}

func TestForwardInput(t *testing.T) {
	r := &StageResult{Data: map[string]any{KeyNextInput: "refined task"}}
	input, ok := r.ForwardInput()
	require.True(t, ok)
	assert.Equal(t, "refined task", input)

	r = &StageResult{Data: map[string]any{KeyNextInput: ""}}
	_, ok = r.ForwardInput()
	assert.False(t, ok)
}

func TestBranchFlag(t *testing.T) {
	r := &StageResult{Data: map[string]any{KeyIsCodeTask: true}}
	flag, ok := r.BranchFlag()
	require.True(t, ok)
	assert.True(t, flag)

	r = &StageResult{Data: map[string]any{}}
	_, ok = r.BranchFlag()
	assert.False(t, ok)
}

func TestOrderingFailureDoesNotLeak(t *testing.T) {
	r := OrderingFailure()
	assert.False(t, r.OK)
	assert.Equal(t, CodeNeedMoreContext, r.Code)
	assert.Empty(t, r.Stage)
	assert.NotContains(t, r.Explanation, "stage")
	assert.Nil(t, r.Data)
}

func TestExecutionFailurePreservesPrimaryDetail(t *testing.T) {
	r := ExecutionFailure("plan-review", "fallback: connection refused", "primary: 503 from upstream")
	assert.Equal(t, CodeExecutionError, r.Code)
	assert.Equal(t, "primary: 503 from upstream", r.Data["primary_failure"])
}

func TestParseDirect(t *testing.T) {
	r, err := Parse(`{"stage":"clarify","ok":true,"code":"OK","explanation":"clear enough"}`)
	require.NoError(t, err)
	assert.Equal(t, "clarify", r.Stage)
	assert.True(t, r.OK)
}

func TestParseFencedBlock(t *testing.T) {
	text := "Here is my verdict:\n```json\n{\"stage\":\"clarify\",\"ok\":false,\"code\":\"REJECTED\",\"explanation\":\"ambiguous\"}\n```\nLet me know."
	r, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, "clarify", r.Stage)
	assert.False(t, r.OK)
	assert.Equal(t, CodeRejected, r.Code)
}

func TestParseFencedBlockNoLanguageTag(t *testing.T) {
	text := "```\n{\"stage\":\"intake\",\"ok\":true,\"code\":\"OK\",\"explanation\":\"x\"}\n```"
	r, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, "intake", r.Stage)
}

func TestParseEmbeddedObject(t *testing.T) {
	text := `The result is {"stage":"intake","ok":true,"code":"OK","explanation":"fine {braces} in \"strings\" are ok"} as requested.`
	r, err := Parse(text)
	require.NoError(t, err)
	assert.True(t, r.OK)
	assert.Contains(t, r.Explanation, "{braces}")
}

func TestParseDataPayload(t *testing.T) {
	text := `{"stage":"router","ok":true,"code":"OK","explanation":"plan","data":{"stages":["intake","clarify"],"rationale":"code task","is_code_task":true}}`
	r, err := Parse(text)
	require.NoError(t, err)

	stages, ok := r.StageList()
	require.True(t, ok)
	assert.Equal(t, []string{"intake", "clarify"}, stages)

	flag, ok := r.BranchFlag()
	require.True(t, ok)
	assert.True(t, flag)
}

func TestParseFailure(t *testing.T) {
	_, err := Parse("I could not produce structured output, sorry.")
	assert.Error(t, err)

	_, err = Parse("")
	assert.Error(t, err)
}
