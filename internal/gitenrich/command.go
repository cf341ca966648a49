package gitenrich

import (
	"regexp"
	"strings"

	"github.com/xela07ax/agenttrace/internal/domain"
)

var (
	shaRe     = regexp.MustCompile(`\b[0-9a-f]{7,40}\b`)
	messageRe = regexp.MustCompile(`(?:^|\s)(?:-[a-zA-Z]*m|--message)(?:\s+|=)("(?:[^"\\]|\\.)*"|'[^']*'|\S+)`)
	branchRe  = regexp.MustCompile(`\b(?:checkout\s+-[bB]|switch\s+(?:-[cC]|--create))\s+([^\s;&|]+)`)
)

// Command — распознанная git-команда хука.
type Command struct {
	Text       string // Полный текст команды
	Subcommand string // commit, diff, checkout, ...
	Stdout     string
}

// DetectCommand проверяет, что событие — вызов shell/bash с командой, начинающейся с git.
func DetectCommand(fields domain.Fields) (Command, bool) {
	tool := strings.ToLower(fields.String("tool_name", "toolName"))
	if !strings.Contains(tool, "bash") && !strings.Contains(tool, "shell") {
		return Command{}, false
	}

	input := fields.Map("tool_input", "toolInput")
	text := strings.TrimSpace(input.String("command"))
	if text == "" {
		text = strings.TrimSpace(fields.String("command"))
	}
	if text != "git" && !strings.HasPrefix(text, "git ") {
		return Command{}, false
	}

	return Command{
		Text:       text,
		Subcommand: subcommand(text),
		Stdout:     stdoutOf(fields),
	}, true
}

func stdoutOf(fields domain.Fields) string {
	if resp := fields.Map("tool_response", "toolResponse"); resp != nil {
		if out := resp.String("stdout", "output"); out != "" {
			return out
		}
	}
	return fields.String("tool_response", "tool_output", "toolOutput", "stdout")
}

// subcommand пропускает глобальные флаги git (-C path, -c k=v, --no-pager ...).
func subcommand(text string) string {
	tokens := strings.Fields(text)
	for i := 1; i < len(tokens); i++ {
		tok := tokens[i]
		if tok == "-C" || tok == "-c" {
			i++
			continue
		}
		if strings.HasPrefix(tok, "-") {
			continue
		}
		return tok
	}
	return ""
}

// ExtractCommitMessage достает аргумент -m. Значения с неподставленными
// командными подстановками ($(...), `...`) отвергаются.
func ExtractCommitMessage(text string) (string, bool) {
	m := messageRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	msg := m[1]
	switch {
	case strings.HasPrefix(msg, `"`) && strings.HasSuffix(msg, `"`) && len(msg) >= 2:
		msg = strings.ReplaceAll(msg[1:len(msg)-1], `\"`, `"`)
	case strings.HasPrefix(msg, `'`) && strings.HasSuffix(msg, `'`) && len(msg) >= 2:
		msg = msg[1 : len(msg)-1]
	}
	if strings.Contains(msg, "$(") || strings.Contains(msg, "`") {
		return "", false
	}
	msg = strings.TrimSpace(msg)
	return msg, msg != ""
}

// ExtractBranch достает имя ветки из checkout -b / switch -c.
func ExtractBranch(text string) (string, bool) {
	m := branchRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractSHA — первый токен из 7–40 hex-символов.
func ExtractSHA(stdout string) (string, bool) {
	sha := shaRe.FindString(stdout)
	return sha, sha != ""
}

// Enrich дополняет payload git-фактами. Возвращает true, если добавлено хоть одно поле.
// Событие, не являющееся git-командой, остается нетронутым.
func Enrich(fields domain.Fields) bool {
	if fields == nil {
		return false
	}
	cmd, ok := DetectCommand(fields)
	if !ok {
		return false
	}

	changed := false
	set := func(key string, v any) {
		if fields.SetIfAbsent(key, v) {
			changed = true
		}
	}

	set("git_subcommand", cmd.Subcommand)

	if sha, ok := ExtractSHA(cmd.Stdout); ok {
		set("commit_sha", sha)
		if cmd.Subcommand == "commit" {
			set("is_commit", true)
		}
	}
	if cmd.Subcommand == "commit" {
		if msg, ok := ExtractCommitMessage(cmd.Text); ok {
			set("commit_message", msg)
		}
	}
	if branch, ok := ExtractBranch(cmd.Text); ok {
		set("git_branch", branch)
	}
	if st, ok := ParseDiffOutput(cmd.Text, cmd.Stdout); ok {
		applyStats(fields, st, set)
	}
	return changed
}

func applyStats(fields domain.Fields, st DiffStats, set func(string, any)) {
	set("lines_added", st.LinesAdded)
	set("lines_removed", st.LinesRemoved)
	if len(st.FilesChanged) > 0 {
		set("files_changed", st.FilesChanged)
	}
}
