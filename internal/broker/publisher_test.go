package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agenttrace/internal/domain"
)

type published struct {
	subject string
	data    []byte
	opts    int
}

type fakeJetStream struct {
	streamErr  error
	created    []jetstream.StreamConfig
	publishErr error
	out        []published
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.out = append(f.out, published{subject: subject, data: data, opts: len(opts)})
	return &jetstream.PubAck{Stream: DefaultStream, Sequence: uint64(len(f.out))}, nil
}

func (f *fakeJetStream) Stream(context.Context, string) (jetstream.Stream, error) {
	return nil, f.streamErr
}

func (f *fakeJetStream) CreateStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.created = append(f.created, cfg)
	return nil, nil
}

func TestPublisher_Process(t *testing.T) {
	js := &fakeJetStream{}
	p := NewPublisher(js, Config{Subject: "telemetry"}, nil)

	env := &domain.EventEnvelope{
		SchemaVersion:  domain.SchemaVersion,
		Source:         domain.SourceOTel,
		EventID:        "evt-1",
		SessionID:      "sess-1",
		EventType:      "api_request",
		EventTimestamp: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		PrivacyTier:    domain.TierMetadata,
		Payload:        map[string]any{"model": "claude-sonnet-4"},
	}
	require.NoError(t, p.Process(context.Background(), env))

	require.Len(t, js.out, 1)
	assert.Equal(t, "telemetry.otel", js.out[0].subject)
	assert.Equal(t, 1, js.out[0].opts, "message id option")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js.out[0].data, &decoded))
	assert.Equal(t, "evt-1", decoded["eventId"])
	assert.Equal(t, "sess-1", decoded["sessionId"])
	assert.Equal(t, "broker", p.Name())
}

func TestPublisher_ProcessError(t *testing.T) {
	js := &fakeJetStream{publishErr: errors.New("no responders")}
	p := NewPublisher(js, Config{}, nil)

	err := p.Process(context.Background(), &domain.EventEnvelope{EventID: "evt-1", Source: domain.SourceHook})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evt-1")
}

func TestPublisher_EnsureStream(t *testing.T) {
	js := &fakeJetStream{}
	p := NewPublisher(js, Config{}, nil)
	require.NoError(t, p.EnsureStream(context.Background()))
	assert.Empty(t, js.created, "existing stream is reused")

	js.streamErr = jetstream.ErrStreamNotFound
	require.NoError(t, p.EnsureStream(context.Background()))
	require.Len(t, js.created, 1)
	assert.Equal(t, DefaultStream, js.created[0].Name)
	assert.Equal(t, []string{DefaultSubject + ".>"}, js.created[0].Subjects)

	js.streamErr = errors.New("timeout")
	require.Error(t, p.EnsureStream(context.Background()))
}
