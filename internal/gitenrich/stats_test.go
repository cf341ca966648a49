package gitenrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumstat(t *testing.T) {
	st, ok := ParseNumstat("10\t2\tsrc/a.ts\n3\t0\tREADME.md\n-\t-\tassets/logo.png\n")
	require.True(t, ok)
	assert.Equal(t, int64(13), st.LinesAdded)
	assert.Equal(t, int64(2), st.LinesRemoved)
	assert.Equal(t, []string{"src/a.ts", "README.md", "assets/logo.png"}, st.FilesChanged)
}

func TestParseNumstat_NoMatch(t *testing.T) {
	_, ok := ParseNumstat("nothing to commit, working tree clean\n")
	assert.False(t, ok)
}

func TestParseNameOnly_SkipsLogBanner(t *testing.T) {
	out := "commit 1a2b3c4d5e6f\nAuthor: Dev <dev@example.com>\nDate:   Mon Jan 1 10:00:00 2024\n\n    fix bug\n\nsrc/a.go\nsrc/b.go\n"
	st, ok := ParseNameOnly(out)
	require.True(t, ok)
	assert.Equal(t, []string{"src/a.go", "src/b.go"}, st.FilesChanged)
}

func TestParseStat(t *testing.T) {
	out := " src/a.go | 5 +++--\n README.md | 1 +\n 2 files changed, 4 insertions(+), 2 deletions(-)\n"
	st, ok := ParseStat(out)
	require.True(t, ok)
	assert.Equal(t, int64(4), st.LinesAdded)
	assert.Equal(t, int64(2), st.LinesRemoved)
	assert.Equal(t, []string{"src/a.go", "README.md"}, st.FilesChanged)
}

func TestParseShortstat(t *testing.T) {
	st, ok := ParseShortstat(" 1 file changed, 1 insertion(+)")
	require.True(t, ok)
	assert.Equal(t, int64(1), st.LinesAdded)
	assert.Equal(t, int64(0), st.LinesRemoved)
}

func TestParseDiffOutput_NameOnlyRequiresFlag(t *testing.T) {
	_, ok := ParseDiffOutput("git status", "src/a.go\n")
	assert.False(t, ok)

	st, ok := ParseDiffOutput("git diff --name-only", "src/a.go\n")
	require.True(t, ok)
	assert.Equal(t, []string{"src/a.go"}, st.FilesChanged)
}
