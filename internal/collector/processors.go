package collector

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agenttrace/internal/domain"
	"github.com/xela07ax/agenttrace/internal/gitenrich"
	"github.com/xela07ax/agenttrace/internal/normalize"
	"github.com/xela07ax/agenttrace/internal/projector"
)

// Folder — сворачивание конверта в трейс сессии (session.Registry).
type Folder interface {
	Apply(ctx context.Context, env *domain.EventEnvelope) *domain.AgentSessionTrace
}

// GitEnrichProcessor дополняет hook-события с git-командами полями коммита и diff-статистики.
// Уже присутствующие поля не перезаписываются.
type GitEnrichProcessor struct{}

func (GitEnrichProcessor) Name() string { return "git_enrich" }

func (GitEnrichProcessor) Process(_ context.Context, env *domain.EventEnvelope) error {
	if env.Source != domain.SourceHook || env.Fields() == nil {
		return nil
	}
	gitenrich.Enrich(env.Fields())
	return nil
}

// ProjectionProcessor сворачивает событие в трейс и запускает запись.
type ProjectionProcessor struct {
	folder Folder
}

func NewProjectionProcessor(f Folder) *ProjectionProcessor {
	return &ProjectionProcessor{folder: f}
}

func (p *ProjectionProcessor) Name() string { return "projection" }

func (p *ProjectionProcessor) Process(ctx context.Context, env *domain.EventEnvelope) error {
	p.folder.Apply(ctx, env)
	return nil
}

// TranscriptTrigger повторно подает в прием события транскрипта, когда сессия завершилась
// и событие указывает путь к файлу. Конверты с source=transcript игнорируются.
type TranscriptTrigger struct {
	svc    *Service
	logger *zap.Logger
	now    func() time.Time
}

func NewTranscriptTrigger(svc *Service, logger *zap.Logger) *TranscriptTrigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TranscriptTrigger{
		svc:    svc,
		logger: logger.Named("transcript"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (t *TranscriptTrigger) Name() string { return "transcript_trigger" }

// TranscriptPath возвращает путь транскрипта, если событие должно запустить повторный прием.
func TranscriptPath(env *domain.EventEnvelope) (string, bool) {
	if env.Source == domain.SourceTranscript || !projector.IsTerminal(env.EventType) {
		return "", false
	}
	path := strings.TrimSpace(env.Fields().String("transcript_path", "transcriptPath"))
	return path, path != ""
}

func (t *TranscriptTrigger) Process(_ context.Context, env *domain.EventEnvelope) error {
	path, ok := TranscriptPath(env)
	if !ok {
		return nil
	}
	sessionID, tier := env.SessionID, env.PrivacyTier
	// Вне шарда: повторный прием той же сессии попадет в этот же шард
	t.svc.Go(func() {
		t.reingest(path, sessionID, tier)
	})
	return nil
}

func (t *TranscriptTrigger) reingest(path, sessionID string, tier domain.PrivacyTier) {
	res := normalize.ParseTranscript(path, normalize.TranscriptOptions{
		DefaultSessionID: sessionID,
		IngestedAt:       t.now(),
		PrivacyTier:      tier,
	})
	if len(res.Events) == 0 {
		t.logger.Warn("transcript yielded no events",
			zap.String("path", path),
			zap.Strings("errors", res.Errors),
		)
		return
	}

	out, err := t.svc.IngestBatch(context.Background(), res.Events)
	if err != nil && !errors.Is(err, ErrServiceClosed) {
		t.logger.Error("transcript re-ingest failed", zap.String("path", path), zap.Error(err))
	}
	t.logger.Info("transcript re-ingested",
		zap.String("session_id", sessionID),
		zap.String("path", path),
		zap.Int("accepted", out.Accepted),
		zap.Int("deduped", out.Deduped),
		zap.Int("failed", out.Failed),
		zap.Int("skipped_lines", res.SkippedLines),
	)
}
