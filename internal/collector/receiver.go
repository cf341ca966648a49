package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/xela07ax/agenttrace/internal/domain"
	"github.com/xela07ax/agenttrace/internal/normalize"
)

// ReceiverStats — счетчики OTLP приемника за время жизни процесса.
type ReceiverStats struct {
	ExportCalls           atomic.Int64
	NormalizedEvents      atomic.Int64
	DroppedRecords        atomic.Int64
	NormalizationFailures atomic.Int64
	SinkFailures          atomic.Int64
}

// ReceiverSnapshot — JSON-представление ReceiverStats.
type ReceiverSnapshot struct {
	ExportCalls           int64 `json:"exportCalls"`
	NormalizedEvents      int64 `json:"normalizedEvents"`
	DroppedRecords        int64 `json:"droppedRecords"`
	NormalizationFailures int64 `json:"normalizationFailures"`
	SinkFailures          int64 `json:"sinkFailures"`
}

func (s *ReceiverStats) Snapshot() ReceiverSnapshot {
	return ReceiverSnapshot{
		ExportCalls:           s.ExportCalls.Load(),
		NormalizedEvents:      s.NormalizedEvents.Load(),
		DroppedRecords:        s.DroppedRecords.Load(),
		NormalizationFailures: s.NormalizationFailures.Load(),
		SinkFailures:          s.SinkFailures.Load(),
	}
}

// ExportOutcome — итог одного вызова экспорта.
type ExportOutcome struct {
	Normalized int
	Rejected   int64
	Batch      BatchResult
	Errors     []string
}

// ErrorMessage склеивает ошибки нормализации и приема для PartialSuccess.
func (o ExportOutcome) ErrorMessage() string {
	return strings.Join(o.Errors, "; ")
}

// LogsReceiver — OTLP LogsService поверх Service. Один вызов Export — одна единица учета:
// весь батч нормализуется вместе, решения dedup принимаются по записям.
type LogsReceiver struct {
	collogspb.UnimplementedLogsServiceServer

	svc     *Service
	tier    domain.PrivacyTier
	stats   ReceiverStats
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewLogsReceiver(svc *Service, tier domain.PrivacyTier, metrics *Metrics, logger *zap.Logger) *LogsReceiver {
	if metrics == nil {
		metrics = svc.metrics
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogsReceiver{
		svc:     svc,
		tier:    tier,
		metrics: metrics,
		logger:  logger.Named("otlp"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *LogsReceiver) Stats() ReceiverSnapshot { return r.stats.Snapshot() }

// Export — unary gRPC OTLP logs export.
func (r *LogsReceiver) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	raw, err := protojson.Marshal(req)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode request: %v", err)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, status.Errorf(codes.Internal, "decode request: %v", err)
	}

	out := r.ExportJSON(ctx, payload)
	if out.Normalized == 0 {
		return nil, status.Error(codes.InvalidArgument, out.ErrorMessage())
	}
	resp := &collogspb.ExportLogsServiceResponse{}
	if out.Rejected > 0 || len(out.Errors) > 0 {
		resp.PartialSuccess = &collogspb.ExportLogsPartialSuccess{
			RejectedLogRecords: out.Rejected,
			ErrorMessage:       out.ErrorMessage(),
		}
	}
	return resp, nil
}

// ExportJSON нормализует OTLP payload в JSON-форме и принимает полученные конверты.
func (r *LogsReceiver) ExportJSON(ctx context.Context, payload any) ExportOutcome {
	ctx, span := otel.Tracer("agenttrace/collector").Start(ctx, "otlp.export")
	defer span.End()

	r.stats.ExportCalls.Add(1)
	r.metrics.OTLPExportCalls.Inc()

	res := normalize.NormalizeOTLP(payload, normalize.OTLPOptions{
		IngestedAt:  r.now(),
		PrivacyTier: r.tier,
	})
	out := ExportOutcome{
		Normalized: len(res.Events),
		Rejected:   int64(res.DroppedRecords),
		Errors:     append([]string(nil), res.Errors...),
	}
	span.SetAttributes(
		attribute.Int("otlp.normalized", out.Normalized),
		attribute.Int("otlp.dropped", res.DroppedRecords),
	)

	r.stats.NormalizedEvents.Add(int64(len(res.Events)))
	r.stats.DroppedRecords.Add(int64(res.DroppedRecords))
	r.metrics.OTLPNormalizedEvents.Add(float64(len(res.Events)))
	r.metrics.OTLPDroppedRecords.Add(float64(res.DroppedRecords))
	if len(res.Errors) > 0 {
		r.stats.NormalizationFailures.Add(int64(len(res.Errors)))
		r.metrics.OTLPNormalizationFailures.Add(float64(len(res.Errors)))
	}
	if !res.OK() {
		return out
	}

	batch, err := r.svc.IngestBatch(ctx, res.Events)
	out.Batch = batch
	if err != nil {
		r.stats.SinkFailures.Add(int64(batch.Failed))
		r.metrics.OTLPSinkFailures.Add(float64(batch.Failed))
		out.Rejected += int64(batch.Failed)
		out.Errors = append(out.Errors, fmt.Sprintf("ingest: %v", err))
		span.RecordError(err)
		r.logger.Error("otlp batch ingest failed", zap.Int("failed", batch.Failed), zap.Error(err))
	}

	r.logger.Debug("otlp export",
		zap.Int("normalized", out.Normalized),
		zap.Int("accepted", batch.Accepted),
		zap.Int("deduped", batch.Deduped),
		zap.Int("dropped", res.DroppedRecords),
	)
	return out
}
