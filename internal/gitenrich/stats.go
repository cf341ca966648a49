// Package gitenrich достает git-факты (sha, сообщение коммита, ветка, статистика диффа)
// из текста команды и ее stdout. Обогащение только добавляет отсутствующие поля,
// поэтому его безопасно применять повторно.
package gitenrich

import (
	"regexp"
	"strconv"
	"strings"
)

// DiffStats — статистика изменений.
type DiffStats struct {
	LinesAdded   int64
	LinesRemoved int64
	FilesChanged []string
}

var (
	numstatLine  = regexp.MustCompile(`^(\d+|-)\t(\d+|-)\t(.+)$`)
	statLine     = regexp.MustCompile(`^\s*(\S.*?)\s+\|\s+(\d+|Bin\b.*)\s*([+\-]*)\s*$`)
	insertionsRe = regexp.MustCompile(`(\d+) insertions?\(\+\)`)
	deletionsRe  = regexp.MustCompile(`(\d+) deletions?\(-\)`)
)

// ParseNumstat разбирает вывод --numstat: "add\tdel\tpath". "-\t-" — бинарный файл:
// он считается затронутым, но строк не добавляет.
func ParseNumstat(out string) (DiffStats, bool) {
	var st DiffStats
	found := false
	for _, line := range strings.Split(out, "\n") {
		m := numstatLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		found = true
		if m[1] != "-" {
			n, _ := strconv.ParseInt(m[1], 10, 64)
			st.LinesAdded += n
		}
		if m[2] != "-" {
			n, _ := strconv.ParseInt(m[2], 10, 64)
			st.LinesRemoved += n
		}
		st.FilesChanged = appendUnique(st.FilesChanged, strings.TrimSpace(m[3]))
	}
	return st, found
}

// ParseNameOnly разбирает вывод --name-only, отбрасывая служебные строки git log.
func ParseNameOnly(out string) (DiffStats, bool) {
	var st DiffStats
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isBannerLine(line) {
			continue
		}
		st.FilesChanged = appendUnique(st.FilesChanged, trimmed)
	}
	return st, len(st.FilesChanged) > 0
}

func isBannerLine(line string) bool {
	// Сообщения коммитов в git log идут с отступом.
	if strings.HasPrefix(line, "    ") || strings.HasPrefix(line, "\t") {
		return true
	}
	for _, prefix := range []string{"commit ", "Author:", "Date:", "Merge:", "AuthorDate:", "Commit:", "CommitDate:"} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// ParseStat разбирает вывод --stat: "path | N ++--". Итоговые строки берутся
// из сводки (insertions/deletions), а при ее отсутствии — из числа символов +/-.
func ParseStat(out string) (DiffStats, bool) {
	var st DiffStats
	var plus, minus int64
	for _, line := range strings.Split(out, "\n") {
		m := statLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		st.FilesChanged = appendUnique(st.FilesChanged, strings.TrimSpace(m[1]))
		plus += int64(strings.Count(m[3], "+"))
		minus += int64(strings.Count(m[3], "-"))
	}
	if len(st.FilesChanged) == 0 {
		return st, false
	}
	if summary, ok := ParseShortstat(out); ok {
		st.LinesAdded, st.LinesRemoved = summary.LinesAdded, summary.LinesRemoved
	} else {
		st.LinesAdded, st.LinesRemoved = plus, minus
	}
	return st, true
}

// ParseShortstat разбирает сводку "N insertions(+), M deletions(-)" (в т.ч. из вывода git commit).
func ParseShortstat(out string) (DiffStats, bool) {
	var st DiffStats
	found := false
	if m := insertionsRe.FindStringSubmatch(out); m != nil {
		st.LinesAdded, _ = strconv.ParseInt(m[1], 10, 64)
		found = true
	}
	if m := deletionsRe.FindStringSubmatch(out); m != nil {
		st.LinesRemoved, _ = strconv.ParseInt(m[1], 10, 64)
		found = true
	}
	return st, found
}

// ParseDiffOutput пробует форматы по порядку: numstat, name-only (только если
// команда его запрашивала), stat, shortstat.
func ParseDiffOutput(command, out string) (DiffStats, bool) {
	if out == "" {
		return DiffStats{}, false
	}
	if st, ok := ParseNumstat(out); ok {
		return st, true
	}
	if strings.Contains(command, "--name-only") {
		if st, ok := ParseNameOnly(out); ok {
			return st, true
		}
	}
	if st, ok := ParseStat(out); ok {
		return st, true
	}
	return ParseShortstat(out)
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
