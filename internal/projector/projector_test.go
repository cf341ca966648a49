package projector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agenttrace/internal/domain"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func envelope(id, eventType string, at time.Time, payload map[string]any) *domain.EventEnvelope {
	return &domain.EventEnvelope{
		SchemaVersion:  domain.SchemaVersion,
		Source:         domain.SourceHook,
		EventID:        id,
		SessionID:      "sess-1",
		EventType:      eventType,
		EventTimestamp: at,
		IngestedAt:     at,
		PrivacyTier:    domain.TierDetail,
		Payload:        payload,
	}
}

func TestProject_BaseTrace(t *testing.T) {
	trace := Project(nil, envelope("e1", "session_start", t0, map[string]any{
		"user_id":      "u-42",
		"project_path": "/work/app",
		"git_branch":   "main",
	}))

	require.NotNil(t, trace)
	assert.Equal(t, "sess-1", trace.SessionID)
	assert.Equal(t, "u-42", trace.User.ID)
	assert.Equal(t, "/work/app", trace.Environment.ProjectPath)
	assert.Equal(t, "main", trace.Environment.GitBranch)
	assert.Equal(t, t0, trace.StartedAt)
	assert.Nil(t, trace.EndedAt)
	require.Len(t, trace.Timeline, 1)
	assert.Equal(t, "e1", trace.Timeline[0].ID)
}

func TestProject_UnknownUser(t *testing.T) {
	trace := Project(nil, envelope("e1", "prompt", t0, map[string]any{}))
	assert.Equal(t, UnknownUser, trace.User.ID)
}

func TestProject_Idempotent(t *testing.T) {
	e := envelope("e1", "api_request", t0, map[string]any{
		"model": "claude-sonnet-4", "input_tokens": float64(1000), "output_tokens": float64(500),
	})
	once := Project(nil, e)
	twice := Project(once, e)

	assert.Same(t, once, twice)
	assert.Equal(t, once, Project(nil, e))
	assert.Equal(t, int64(1), twice.Metrics.APICallCount)
	assert.InDelta(t, 0.0105, twice.Metrics.TotalCostUSD, 1e-9)
}

func TestProject_DoesNotMutateInput(t *testing.T) {
	first := Project(nil, envelope("e1", "prompt", t0, map[string]any{}))
	second := Project(first, envelope("e2", "prompt", t0.Add(time.Second), map[string]any{}))

	assert.Len(t, first.Timeline, 1)
	assert.Equal(t, int64(1), first.Metrics.PromptCount)
	assert.Len(t, second.Timeline, 2)
	assert.Equal(t, int64(2), second.Metrics.PromptCount)
}

func TestProject_SubstringCounters(t *testing.T) {
	trace := Project(nil, envelope("e1", "api_tool_use", t0, map[string]any{"tool_name": "Bash"}))
	trace = Project(trace, envelope("e2", "UserPromptSubmit", t0, map[string]any{}))

	assert.Equal(t, int64(1), trace.Metrics.APICallCount)
	assert.Equal(t, int64(1), trace.Metrics.ToolCallCount)
	assert.Equal(t, int64(1), trace.Metrics.PromptCount)
	assert.Equal(t, []string{"Bash"}, trace.Metrics.ToolsUsed)
}

func TestProject_ExplicitCostWins(t *testing.T) {
	trace := Project(nil, envelope("e1", "api_request", t0, map[string]any{
		"model": "claude-sonnet-4", "input_tokens": float64(1000), "cost_usd": 0.5,
	}))
	assert.InDelta(t, 0.5, trace.Timeline[0].CostUSD, 1e-9)

	trace = Project(nil, envelope("e2", "api_request", t0, map[string]any{
		"model": "claude-sonnet-4", "input_tokens": float64(1000), "cost_usd": float64(0),
	}))
	assert.InDelta(t, 0.003, trace.Timeline[0].CostUSD, 1e-9)
}

func TestProject_SumsAndSets(t *testing.T) {
	trace := Project(nil, envelope("e1", "tool_result", t0, map[string]any{
		"lines_added":   float64(10),
		"lines_removed": float64(2),
		"files_changed": []any{"a.go", "b.go"},
		"model":         "claude-opus-4",
	}))
	trace = Project(trace, envelope("e2", "tool_result", t0, map[string]any{
		"lines_added":   float64(3),
		"files_changed": []any{"b.go", "c.go"},
		"model":         "claude-opus-4",
		"input_tokens":  float64(7),
	}))

	assert.Equal(t, int64(13), trace.Metrics.LinesAdded)
	assert.Equal(t, int64(2), trace.Metrics.LinesRemoved)
	assert.Equal(t, int64(7), trace.Metrics.TotalInputTokens)
	assert.Equal(t, []string{"a.go", "b.go", "c.go"}, trace.Metrics.FilesTouched)
	assert.Equal(t, []string{"claude-opus-4"}, trace.Metrics.ModelsUsed)
}

func TestProject_Terminal(t *testing.T) {
	trace := Project(nil, envelope("e1", "prompt", t0, map[string]any{}))
	trace = Project(trace, envelope("e2", "tool_use", t0.Add(30*time.Second), map[string]any{}))
	assert.Zero(t, trace.ActiveDurationMs)

	end := t0.Add(90 * time.Second)
	trace = Project(trace, envelope("e3", "SessionEnd", end, map[string]any{}))
	require.NotNil(t, trace.EndedAt)
	assert.Equal(t, end, *trace.EndedAt)
	assert.Equal(t, int64(90000), trace.ActiveDurationMs)

	trace = Project(trace, envelope("e4", "stop", end.Add(time.Minute), map[string]any{}))
	assert.Equal(t, end, *trace.EndedAt)
	assert.Equal(t, int64(90000), trace.ActiveDurationMs)
}

func TestProject_TerminalBeforeStartClampsToZero(t *testing.T) {
	trace := Project(nil, envelope("e1", "prompt", t0, map[string]any{}))
	trace = Project(trace, envelope("e2", "task_completed", t0.Add(-time.Minute), map[string]any{}))
	assert.Zero(t, trace.ActiveDurationMs)
}

func TestProject_CommitExtraction(t *testing.T) {
	trace := Project(nil, envelope("e1", "tool_result", t0, map[string]any{
		"commit_sha": "abc123", "is_commit": true, "git_branch": "feat",
	}))
	require.Len(t, trace.Git.Commits, 1)
	assert.Equal(t, "abc123", trace.Git.Commits[0].SHA)
	assert.Equal(t, "feat", trace.Git.Commits[0].Branch)

	trace = Project(trace, envelope("e2", "tool_result", t0, map[string]any{
		"commit_sha": "abc123", "commit_message": "again",
	}))
	assert.Len(t, trace.Git.Commits, 1)

	trace = Project(trace, envelope("e3", "tool_result", t0, map[string]any{
		"commit_sha": "def456", "commit_message": "legacy",
	}))
	assert.Len(t, trace.Git.Commits, 2)
}

func TestProject_SessionEndShaIsNotCommit(t *testing.T) {
	trace := Project(nil, envelope("e1", "session_end", t0, map[string]any{"commit_sha": "abc123"}))
	assert.Empty(t, trace.Git.Commits)
}

func TestProject_PullRequests(t *testing.T) {
	pr := map[string]any{"pr_url": "https://example.com/pr/7", "pr_repo": "acme/app", "pr_number": float64(7)}
	trace := Project(nil, envelope("e1", "tool_result", t0, pr))
	trace = Project(trace, envelope("e2", "tool_result", t0, pr))
	trace = Project(trace, envelope("e3", "tool_result", t0, map[string]any{"pr_url": "x", "pr_repo": "acme/app"}))

	require.Len(t, trace.Git.PullRequests, 1)
	assert.Equal(t, int64(7), trace.Git.PullRequests[0].PRNumber)
}

func TestProject_RedactsDetailsBelowTier2(t *testing.T) {
	e := envelope("e1", "prompt", t0, map[string]any{"prompt": "secret plan", "model": "claude-sonnet-4"})
	e.PrivacyTier = domain.TierMetadata

	trace := Project(nil, e)
	assert.NotContains(t, trace.Timeline[0].Details, "prompt")
	assert.Equal(t, "claude-sonnet-4", trace.Timeline[0].Details["model"])
}

func TestProject_RedactsNestedTextBelowTier2(t *testing.T) {
	e := envelope("e1", "assistant", t0, map[string]any{
		"message": map[string]any{"content": "secret answer"},
		"nested":  map[string]any{"text": "secret", "kind": "note"},
	})
	e.PrivacyTier = domain.TierMetadata

	details := Project(nil, e).Timeline[0].Details
	assert.NotContains(t, details, "message")
	assert.Equal(t, map[string]any{"kind": "note"}, details["nested"])
}

func TestReplay_OrderOfDuplicates(t *testing.T) {
	p := New(nil)
	a := envelope("e1", "prompt", t0, map[string]any{})
	b := envelope("e2", "api_request", t0.Add(time.Second), map[string]any{})

	trace := p.Replay([]*domain.EventEnvelope{a, b, a, b})
	assert.Len(t, trace.Timeline, 2)
	assert.Equal(t, int64(1), trace.Metrics.PromptCount)
}
