package gitenrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agenttrace/internal/domain"
)

func bashEvent(command, stdout string) domain.Fields {
	return domain.Fields{
		"tool_name":     "Bash",
		"tool_input":    map[string]any{"command": command},
		"tool_response": map[string]any{"stdout": stdout},
	}
}

func TestEnrich_Commit(t *testing.T) {
	f := bashEvent(`git commit -m "fix: handle \"empty\" input"`,
		"[main 1a2b3c4] fix: handle empty input\n 2 files changed, 7 insertions(+), 1 deletion(-)\n")

	require.True(t, Enrich(f))
	assert.Equal(t, "1a2b3c4", f["commit_sha"])
	assert.Equal(t, true, f["is_commit"])
	assert.Equal(t, `fix: handle "empty" input`, f["commit_message"])
	assert.Equal(t, int64(7), f["lines_added"])
	assert.Equal(t, int64(1), f["lines_removed"])
	assert.Equal(t, "commit", f["git_subcommand"])
}

func TestEnrich_RejectsCommandSubstitution(t *testing.T) {
	f := bashEvent(`git commit -m "$(cat msg.txt)"`, "[main abcdef1] generated\n")
	Enrich(f)
	assert.NotContains(t, f, "commit_message")
	assert.Equal(t, "abcdef1", f["commit_sha"])

	f = bashEvent("git commit -m `date`", "")
	Enrich(f)
	assert.NotContains(t, f, "commit_message")
}

func TestEnrich_NeverOverwrites(t *testing.T) {
	f := bashEvent(`git commit -m "ours"`, "[main 1a2b3c4] ours\n")
	f["commit_sha"] = "fffffff"
	f["commit_message"] = "theirs"

	Enrich(f)
	assert.Equal(t, "fffffff", f["commit_sha"])
	assert.Equal(t, "theirs", f["commit_message"])
}

func TestEnrich_Branch(t *testing.T) {
	f := bashEvent("git checkout -b feature/login", "Switched to a new branch 'feature/login'\n")
	require.True(t, Enrich(f))
	assert.Equal(t, "feature/login", f["git_branch"])
	assert.NotContains(t, f, "is_commit")

	f = bashEvent("git switch -c hotfix && git status", "")
	Enrich(f)
	assert.Equal(t, "hotfix", f["git_branch"])
}

func TestEnrich_DiffNumstat(t *testing.T) {
	f := bashEvent("git diff --numstat", "10\t2\tsrc/a.ts\n3\t0\tREADME.md\n-\t-\tassets/logo.png\n")
	require.True(t, Enrich(f))
	assert.Equal(t, int64(13), f["lines_added"])
	assert.Equal(t, int64(2), f["lines_removed"])
	assert.Equal(t, []string{"src/a.ts", "README.md", "assets/logo.png"}, f["files_changed"])
}

func TestEnrich_IgnoresNonGit(t *testing.T) {
	f := bashEvent("ls -la", "total 0\n")
	assert.False(t, Enrich(f))
	assert.Len(t, f, 3)

	f = domain.Fields{"tool_name": "Edit", "command": "git commit -m x"}
	assert.False(t, Enrich(f))
}

func TestEnrich_FlatCommandAndOutput(t *testing.T) {
	f := domain.Fields{"tool_name": "shell", "command": "git -C repo commit -am 'wip'", "tool_output": "[dev 0123abcd] wip\n"}
	require.True(t, Enrich(f))
	assert.Equal(t, "commit", f["git_subcommand"])
	assert.Equal(t, "wip", f["commit_message"])
	assert.Equal(t, "0123abcd", f["commit_sha"])
}
