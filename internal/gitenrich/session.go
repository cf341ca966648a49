package gitenrich

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agenttrace/internal/domain"
)

// Runner выполняет git в рабочей директории и возвращает stdout.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner запускает системный git.
type ExecRunner struct {
	Timeout time.Duration
}

func (r ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// Snapshot — состояние рабочего дерева.
type Snapshot struct {
	Stats  DiffStats
	Branch string
	Head   string
	Remote string
}

// SessionEnricher считает дельту строк между стартом и концом сессии.
type SessionEnricher struct {
	runner    Runner
	baselines BaselineStore
	logger    *zap.Logger
	now       func() time.Time
}

func NewSessionEnricher(runner Runner, baselines BaselineStore, logger *zap.Logger) *SessionEnricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionEnricher{
		runner:    runner,
		baselines: baselines,
		logger:    logger.With(zap.String("mod", "gitenrich")),
		now:       time.Now,
	}
}

// IsSessionStart / IsSessionEnd — классы событий без учета регистра и "_".
func IsSessionStart(eventType string) bool {
	return squash(eventType) == "sessionstart"
}

func IsSessionEnd(eventType string) bool {
	switch squash(eventType) {
	case "sessionend", "stop":
		return true
	}
	return false
}

func squash(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "")
}

// Snapshot снимает дифф относительно HEAD и метаданные репозитория.
func (s *SessionEnricher) Snapshot(ctx context.Context, dir string) (Snapshot, error) {
	out, err := s.runner.Run(ctx, dir, "diff", "--numstat", "HEAD")
	if err != nil {
		return Snapshot{}, err
	}
	st, _ := ParseNumstat(out)
	snap := Snapshot{Stats: st}
	// Остальное — best effort: репозиторий без remote остается валидным.
	if v, err := s.runner.Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		snap.Branch = strings.TrimSpace(v)
	}
	if v, err := s.runner.Run(ctx, dir, "rev-parse", "HEAD"); err == nil {
		snap.Head = strings.TrimSpace(v)
	}
	if v, err := s.runner.Run(ctx, dir, "config", "--get", "remote.origin.url"); err == nil {
		snap.Remote = strings.TrimSpace(v)
	}
	return snap, nil
}

// Enrich обрабатывает события старта и конца сессии. На старте сохраняет
// baseline, на конце добавляет дельту max(0, текущее - baseline).
// Stop приходит на каждом ходе: после него baseline сдвигается на текущий
// снимок, удаляется он только на session_end.
// Существующие поля payload не перезаписываются.
func (s *SessionEnricher) Enrich(ctx context.Context, eventType, sessionID, dir string, fields domain.Fields) bool {
	start, end := IsSessionStart(eventType), IsSessionEnd(eventType)
	if (!start && !end) || dir == "" || sessionID == "" || fields == nil {
		return false
	}

	snap, err := s.Snapshot(ctx, dir)
	if err != nil {
		s.logger.Debug("git snapshot unavailable", zap.String("dir", dir), zap.Error(err))
		return false
	}

	changed := false
	set := func(key string, v any) {
		if fields.SetIfAbsent(key, v) {
			changed = true
		}
	}
	if snap.Branch != "" && snap.Branch != "HEAD" {
		set("git_branch", snap.Branch)
	}
	if snap.Remote != "" {
		set("git_repo", snap.Remote)
	}

	if start {
		s.saveBaseline(sessionID, snap)
		return changed
	}

	base, _, err := s.baselines.Load(sessionID)
	if err != nil {
		s.logger.Warn("failed to load git baseline", zap.String("session_id", sessionID), zap.Error(err))
	}
	set("lines_added", max(0, snap.Stats.LinesAdded-base.LinesAdded))
	set("lines_removed", max(0, snap.Stats.LinesRemoved-base.LinesRemoved))
	if len(snap.Stats.FilesChanged) > 0 {
		set("files_changed", snap.Stats.FilesChanged)
	}
	if snap.Head != "" {
		set("commit_sha", snap.Head)
	}
	if squash(eventType) == "stop" {
		s.saveBaseline(sessionID, snap)
		return changed
	}
	if err := s.baselines.Delete(sessionID); err != nil {
		s.logger.Warn("failed to delete git baseline", zap.String("session_id", sessionID), zap.Error(err))
	}
	return changed
}

func (s *SessionEnricher) saveBaseline(sessionID string, snap Snapshot) {
	b := Baseline{LinesAdded: snap.Stats.LinesAdded, LinesRemoved: snap.Stats.LinesRemoved, CapturedAt: s.now().UTC()}
	if err := s.baselines.Save(sessionID, b); err != nil {
		s.logger.Warn("failed to save git baseline", zap.String("session_id", sessionID), zap.Error(err))
	}
}
