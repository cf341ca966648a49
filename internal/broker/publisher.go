// Package broker публикует принятые события в NATS JetStream для внешних потребителей.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/xela07ax/agenttrace/internal/domain"
)

const (
	DefaultStream  = "AGENTTRACE"
	DefaultSubject = "agenttrace.events"
)

// Config — подключение и адресация публикаций.
type Config struct {
	URL     string
	Stream  string
	Subject string // префикс; итоговый subject — <Subject>.<source>
}

// JetStream — используемое подмножество jetstream.JetStream.
type JetStream interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// Publisher — процессор, републикующий конверт с Nats-Msg-Id = eventId,
// поэтому повторная публикация того же события отбрасывается окном дедупликации стрима.
type Publisher struct {
	conn   *nats.Conn
	js     JetStream
	cfg    Config
	logger *zap.Logger
}

// Connect устанавливает соединение и проверяет наличие стрима.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("broker")

	nc, err := nats.Connect(cfg.URL,
		nats.Name("agenttrace-collector"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("broker: connect %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("broker: jetstream context: %w", err)
	}

	p := NewPublisher(js, cfg, logger)
	p.conn = nc
	if err := p.EnsureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func NewPublisher(js JetStream, cfg Config, logger *zap.Logger) *Publisher {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{js: js, cfg: cfg, logger: logger.Named("broker")}
}

// EnsureStream создает стрим, если его нет.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	_, err := p.js.Stream(ctx, p.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("broker: lookup stream %s: %w", p.cfg.Stream, err)
	}

	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        p.cfg.Stream,
		Subjects:    []string{p.cfg.Subject + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Duplicates:  10 * time.Minute,
		Description: "Accepted agent telemetry envelopes",
	})
	if err != nil {
		return fmt.Errorf("broker: create stream %s: %w", p.cfg.Stream, err)
	}
	p.logger.Info("stream created", zap.String("stream", p.cfg.Stream))
	return nil
}

// Subject — адрес публикации для источника события.
func (p *Publisher) Subject(src domain.Source) string {
	return p.cfg.Subject + "." + string(src)
}

func (p *Publisher) Name() string { return "broker" }

func (p *Publisher) Process(ctx context.Context, env *domain.EventEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal %s: %w", env.EventID, err)
	}
	ack, err := p.js.Publish(ctx, p.Subject(env.Source), data, jetstream.WithMsgID(env.EventID))
	if err != nil {
		return fmt.Errorf("broker: publish %s: %w", env.EventID, err)
	}
	if ack.Duplicate {
		p.logger.Debug("duplicate publish ignored by stream", zap.String("event_id", env.EventID))
	}
	return nil
}

func (p *Publisher) Close() {
	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
	}
}
