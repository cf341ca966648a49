package gitenrich

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agenttrace/internal/domain"
)

type fakeRunner struct {
	outputs map[string]string
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) (string, error) {
	out, ok := f.outputs[strings.Join(args, " ")]
	if !ok {
		return "", errors.New("not a git repository")
	}
	return out, nil
}

func TestSessionEnricher_Delta(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"diff --numstat HEAD":            "5\t1\tsrc/a.go\n",
		"rev-parse --abbrev-ref HEAD":    "main\n",
		"rev-parse HEAD":                 "0123456789abcdef0123456789abcdef01234567\n",
		"config --get remote.origin.url": "git@github.com:acme/app.git\n",
	}}
	store := NewMemoryBaselineStore()
	s := NewSessionEnricher(runner, store, nil)
	ctx := context.Background()

	start := domain.Fields{}
	require.True(t, s.Enrich(ctx, "SessionStart", "s1", "/repo", start))
	assert.Equal(t, "main", start["git_branch"])
	assert.Equal(t, "git@github.com:acme/app.git", start["git_repo"])
	assert.NotContains(t, start, "lines_added")

	runner.outputs["diff --numstat HEAD"] = "12\t1\tsrc/a.go\n3\t0\tsrc/b.go\n"
	end := domain.Fields{}
	require.True(t, s.Enrich(ctx, "session_end", "s1", "/repo", end))
	assert.Equal(t, int64(10), end["lines_added"])
	assert.Equal(t, int64(0), end["lines_removed"])
	assert.Equal(t, []string{"src/a.go", "src/b.go"}, end["files_changed"])
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", end["commit_sha"])
	assert.NotContains(t, end, "is_commit")

	_, ok, _ := store.Load("s1")
	assert.False(t, ok)
}

func TestSessionEnricher_DeltaFlooredAtZero(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"diff --numstat HEAD": "1\t1\tsrc/a.go\n"}}
	store := NewMemoryBaselineStore()
	require.NoError(t, store.Save("s2", Baseline{LinesAdded: 20, LinesRemoved: 5}))

	end := domain.Fields{}
	NewSessionEnricher(runner, store, nil).Enrich(context.Background(), "Stop", "s2", "/repo", end)
	assert.Equal(t, int64(0), end["lines_added"])
	assert.Equal(t, int64(0), end["lines_removed"])
}

func TestSessionEnricher_RepeatedStopAdvancesBaseline(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{"diff --numstat HEAD": "5\t0\tsrc/a.go\n"}}
	store := NewMemoryBaselineStore()
	s := NewSessionEnricher(runner, store, nil)
	ctx := context.Background()

	require.True(t, s.Enrich(ctx, "SessionStart", "s5", "/repo", domain.Fields{}))

	runner.outputs["diff --numstat HEAD"] = "8\t0\tsrc/a.go\n"
	stop1 := domain.Fields{}
	s.Enrich(ctx, "stop", "s5", "/repo", stop1)
	assert.Equal(t, int64(3), stop1["lines_added"])

	stop2 := domain.Fields{}
	s.Enrich(ctx, "Stop", "s5", "/repo", stop2)
	assert.Equal(t, int64(0), stop2["lines_added"])

	b, ok, _ := store.Load("s5")
	require.True(t, ok)
	assert.Equal(t, int64(8), b.LinesAdded)

	runner.outputs["diff --numstat HEAD"] = "10\t2\tsrc/a.go\n"
	end := domain.Fields{}
	s.Enrich(ctx, "session_end", "s5", "/repo", end)
	assert.Equal(t, int64(2), end["lines_added"])
	assert.Equal(t, int64(2), end["lines_removed"])

	total := stop1["lines_added"].(int64) + stop2["lines_added"].(int64) + end["lines_added"].(int64)
	assert.Equal(t, int64(5), total)

	_, ok, _ = store.Load("s5")
	assert.False(t, ok)
}

func TestSessionEnricher_NotARepo(t *testing.T) {
	s := NewSessionEnricher(&fakeRunner{outputs: map[string]string{}}, NewMemoryBaselineStore(), nil)
	f := domain.Fields{}
	assert.False(t, s.Enrich(context.Background(), "SessionEnd", "s3", "/tmp", f))
	assert.Empty(t, f)
}

func TestSessionEnricher_IgnoresOtherEvents(t *testing.T) {
	s := NewSessionEnricher(&fakeRunner{}, NewMemoryBaselineStore(), nil)
	assert.False(t, s.Enrich(context.Background(), "PreToolUse", "s4", "/repo", domain.Fields{}))
}

func TestFileBaselineStore(t *testing.T) {
	store := NewFileBaselineStore(t.TempDir())

	_, ok, err := store.Load("abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save("abc", Baseline{LinesAdded: 3, LinesRemoved: 1}))
	b, ok, err := store.Load("abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), b.LinesAdded)

	require.NoError(t, store.Delete("abc"))
	require.NoError(t, store.Delete("abc"))
}
