package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agenttrace/internal/domain"
)

var batchTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestNormalizeOTLP_SingleRecord(t *testing.T) {
	payload := decode(t, `{
	  "resourceLogs": [{
	    "resource": {"attributes": [{"key": "service.version", "value": {"stringValue": "2.0.1"}}]},
	    "scopeLogs": [{
	      "logRecords": [{
	        "timeUnixNano": "1740830400000000000",
	        "attributes": [
	          {"key": "session_id", "value": {"stringValue": "sess_x"}},
	          {"key": "event_type", "value": {"stringValue": "tool_result"}},
	          {"key": "input_tokens", "value": {"intValue": "120"}},
	          {"key": "success", "value": {"boolValue": true}},
	          {"key": "cost_usd", "value": {"doubleValue": 0.25}}
	        ]
	      }]
	    }]
	  }]
	}`)

	res := NormalizeOTLP(payload, OTLPOptions{IngestedAt: batchTime})
	require.Len(t, res.Events, 1)
	assert.Zero(t, res.DroppedRecords)

	env := res.Events[0]
	assert.Equal(t, domain.SourceOTel, env.Source)
	assert.Equal(t, "sess_x", env.SessionID)
	assert.Equal(t, "tool_result", env.EventType)
	assert.Equal(t, "2.0.1", env.SourceVersion)
	assert.Equal(t, domain.TierMetadata, env.PrivacyTier)
	assert.True(t, env.EventTimestamp.Equal(time.Unix(0, 1740830400000000000)))

	f := env.Fields()
	n, ok := f.Int("input_tokens")
	require.True(t, ok)
	assert.EqualValues(t, 120, n)
	b, _ := f.Bool("success")
	assert.True(t, b)
	cost, _ := f.Float("cost_usd")
	assert.InDelta(t, 0.25, cost, 1e-9)
}

func TestNormalizeOTLP_DefaultsAndLegacyKey(t *testing.T) {
	payload := decode(t, `{
	  "resourceLogs": [{
	    "instrumentationLibraryLogs": [{
	      "logRecords": [{"attributes": [], "timeUnixNano": "garbage"}]
	    }]
	  }]
	}`)

	res := NormalizeOTLP(payload, OTLPOptions{IngestedAt: batchTime})
	require.Len(t, res.Events, 1)
	env := res.Events[0]
	assert.Equal(t, DefaultOTelEventType, env.EventType)
	assert.Equal(t, UnknownSession, env.SessionID)
	assert.True(t, env.EventTimestamp.Equal(batchTime))
}

func TestNormalizeOTLP_EventNameAlias(t *testing.T) {
	payload := decode(t, `{"resourceLogs": [{"scopeLogs": [{"logRecords": [{
	  "attributes": [
	    {"key": "event.name", "value": {"stringValue": "claude_code.api_request"}},
	    {"key": "session.id", "value": {"stringValue": "s1"}},
	    {"key": "prompt.id", "value": {"stringValue": "p1"}}
	  ]}]}]}]}`)

	res := NormalizeOTLP(payload, OTLPOptions{IngestedAt: batchTime})
	require.Len(t, res.Events, 1)
	assert.Equal(t, "claude_code.api_request", res.Events[0].EventType)
	assert.Equal(t, "s1", res.Events[0].SessionID)
	assert.Equal(t, "p1", res.Events[0].PromptID)
}

func TestNormalizeOTLP_BodyOverridesAttributes(t *testing.T) {
	payload := decode(t, `{"resourceLogs": [{"scopeLogs": [{"logRecords": [{
	  "severityText": "INFO",
	  "attributes": [
	    {"key": "session_id", "value": {"stringValue": "from-attr"}},
	    {"key": "model", "value": {"stringValue": "claude-sonnet-4"}}
	  ],
	  "body": {"stringValue": "{\"session_id\":\"from-body\",\"nested\":{\"x\":1},\"lines_added\":3}"}
	}]}]}]}`)

	res := NormalizeOTLP(payload, OTLPOptions{IngestedAt: batchTime})
	require.Len(t, res.Events, 1)
	env := res.Events[0]
	f := env.Fields()
	assert.Equal(t, "from-body", env.SessionID)
	assert.Equal(t, "claude-sonnet-4", f.String("model"))
	assert.Equal(t, "INFO", f.String("severity_text"))
	assert.NotContains(t, f, "nested")
	n, _ := f.Int("lines_added")
	assert.EqualValues(t, 3, n)
}

func TestNormalizeOTLP_PartialSuccess(t *testing.T) {
	payload := decode(t, `{"resourceLogs": [{"scopeLogs": [{"logRecords": [
	  {"attributes": [{"key": "session_id", "value": {"stringValue": "ok"}}]},
	  "not-a-record",
	  {"attributes": "oops"},
	  {"attributes": [{"value": {"stringValue": "no key"}}]}
	]}]}]}`)

	res := NormalizeOTLP(payload, OTLPOptions{IngestedAt: batchTime})
	require.Len(t, res.Events, 1)
	assert.Equal(t, 3, res.DroppedRecords)
	require.Len(t, res.Errors, 3)
	assert.Contains(t, res.Errors[0], "resourceLogs[0].scopeLogs[0].logRecords[1]")
}

func TestNormalizeOTLP_NoRecords(t *testing.T) {
	for _, body := range []string{`{}`, `{"resourceLogs": []}`, `{"resourceLogs": [{"scopeLogs": [{"logRecords": []}]}]}`, `"text"`} {
		res := NormalizeOTLP(decode(t, body), OTLPOptions{IngestedAt: batchTime})
		assert.False(t, res.OK(), body)
		assert.Empty(t, res.Events, body)
		assert.Equal(t, []string{"payload: no OTLP log records found"}, res.Errors, body)
	}
}

func TestNormalizeOTLP_DistinctIDsForSameCoordinates(t *testing.T) {
	payload := decode(t, `{"resourceLogs": [{"scopeLogs": [{"logRecords": [
	  {"timeUnixNano": "1740830400000000000", "attributes": [{"key": "session_id", "value": {"stringValue": "s"}}]},
	  {"timeUnixNano": "1740830400000000000", "attributes": [{"key": "session_id", "value": {"stringValue": "s"}}]}
	]}]}]}`)

	first := NormalizeOTLP(payload, OTLPOptions{IngestedAt: batchTime})
	require.Len(t, first.Events, 2)
	assert.NotEqual(t, first.Events[0].EventID, first.Events[1].EventID)

	// Повторная нормализация того же батча — те же идентификаторы.
	second := NormalizeOTLP(payload, OTLPOptions{IngestedAt: batchTime.Add(time.Hour)})
	assert.Equal(t, first.Events[0].EventID, second.Events[0].EventID)
	assert.Equal(t, first.Events[1].EventID, second.Events[1].EventID)
}
