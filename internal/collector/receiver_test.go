package collector

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/xela07ax/agenttrace/internal/domain"
)

const otlpJSON = `{"resourceLogs":[{"resource":{"attributes":[{"key":"service.version","value":{"stringValue":"1.2.0"}}]},
 "scopeLogs":[{"logRecords":[
  {"timeUnixNano":"1740823200000000000","attributes":[
    {"key":"session_id","value":{"stringValue":"sess_x"}},
    {"key":"event_type","value":{"stringValue":"tool_result"}}]},
  {"timeUnixNano":"1740823201000000000","attributes":[{"value":{"stringValue":"no key"}}]}
 ]}]}]}`

func strAttr(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}

func TestLogsReceiver_ExportJSONPartialSuccess(t *testing.T) {
	svc, reg := newTestService(t, 1)
	rec := newRecorder()
	svc.Use(rec)
	svc.Start()
	recv := NewLogsReceiver(svc, domain.TierDetail, nil, zap.NewNop())

	var payload any
	require.NoError(t, json.Unmarshal([]byte(otlpJSON), &payload))

	out := recv.ExportJSON(context.Background(), payload)
	assert.Equal(t, 1, out.Normalized)
	assert.Equal(t, int64(1), out.Rejected)
	assert.NotEmpty(t, out.ErrorMessage())
	assert.Equal(t, BatchResult{Accepted: 1}, out.Batch)

	// повтор батча: ids детерминированы, все записи — дубликаты
	out = recv.ExportJSON(context.Background(), payload)
	assert.Equal(t, BatchResult{Deduped: 1}, out.Batch)

	svc.Close()
	require.Equal(t, 1, rec.count())
	got := rec.all[0]
	assert.Equal(t, domain.SourceOTel, got.Source)
	assert.Equal(t, "sess_x", got.SessionID)
	assert.Equal(t, "tool_result", got.EventType)
	assert.Equal(t, domain.TierDetail, got.PrivacyTier)

	snap := recv.Stats()
	assert.Equal(t, int64(2), snap.ExportCalls)
	assert.Equal(t, int64(2), snap.NormalizedEvents)
	assert.Equal(t, int64(2), snap.DroppedRecords)
	assert.Zero(t, snap.SinkFailures)
	assert.Equal(t, 2.0, metricValue(t, reg, "agenttrace_otlp_export_calls_total"))
}

func TestLogsReceiver_ExportJSONNoRecords(t *testing.T) {
	svc, _ := newTestService(t, 1)
	svc.Start()
	defer svc.Close()
	recv := NewLogsReceiver(svc, domain.TierMetadata, nil, nil)

	out := recv.ExportJSON(context.Background(), map[string]any{"resourceLogs": []any{}})
	assert.Zero(t, out.Normalized)
	assert.Equal(t, []string{"payload: no OTLP log records found"}, out.Errors)
	assert.Equal(t, int64(1), recv.Stats().NormalizationFailures)
}

func TestLogsReceiver_ExportGRPC(t *testing.T) {
	svc, _ := newTestService(t, 1)
	rec := newRecorder()
	svc.Use(rec)
	svc.Start()
	recv := NewLogsReceiver(svc, domain.TierMetadata, nil, nil)

	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			ScopeLogs: []*logspb.ScopeLogs{{
				LogRecords: []*logspb.LogRecord{{
					TimeUnixNano: uint64(ts.UnixNano()),
					SeverityText: "INFO",
					Attributes: []*commonpb.KeyValue{
						strAttr("session.id", "sess_grpc"),
						strAttr("event.name", "api_request"),
						strAttr("model", "claude-sonnet-4"),
					},
				}},
			}},
		}},
	}

	resp, err := recv.Export(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, resp.GetPartialSuccess())

	svc.Close()
	require.Equal(t, 1, rec.count())
	got := rec.all[0]
	assert.Equal(t, "sess_grpc", got.SessionID)
	assert.Equal(t, "api_request", got.EventType)
	assert.True(t, got.EventTimestamp.Equal(ts))
	assert.Equal(t, "claude-sonnet-4", got.Fields().String("model"))
}

func TestLogsReceiver_ExportGRPCEmpty(t *testing.T) {
	svc, _ := newTestService(t, 1)
	svc.Start()
	defer svc.Close()
	recv := NewLogsReceiver(svc, domain.TierMetadata, nil, nil)

	_, err := recv.Export(context.Background(), &collogspb.ExportLogsServiceRequest{})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
