// Команда hook вызывается агентом на каждый хук: читает JSON из stdin,
// строит конверт, обогащает git-данными и отправляет его коллектору.
// Ошибки логируются в stderr, но не прерывают работу агента (exit 0).
package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agenttrace/internal/domain"
	"github.com/xela07ax/agenttrace/internal/gitenrich"
	"github.com/xela07ax/agenttrace/internal/hookclient"
	"github.com/xela07ax/agenttrace/internal/infra"
)

var version = "dev"

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Printf("agenttrace hook: %v", err)
		return
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Printf("agenttrace hook: %v", err)
		return
	}
	defer func() { _ = logger.Sync() }()

	opts := []hookclient.ClientOption{}
	if cfg.Hook.SessionGit {
		dir := cfg.Hook.BaselinesDir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), "agenttrace-baselines")
		}
		session := gitenrich.NewSessionEnricher(
			gitenrich.ExecRunner{Timeout: cfg.Hook.Timeout},
			gitenrich.NewFileBaselineStore(dir),
			logger,
		)
		opts = append(opts, hookclient.WithSessionEnricher(session))
	}

	client := hookclient.NewClient(hookclient.Config{
		Endpoint:    cfg.Hook.Endpoint,
		Token:       cfg.Server.AuthToken,
		Attempts:    cfg.Hook.Attempts,
		Timeout:     cfg.Hook.Timeout,
		PrivacyTier: domain.PrivacyTier(cfg.Collector.DefaultPrivacyTier),
		Version:     version,
	}, logger, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Hook.Timeout*time.Duration(cfg.Hook.Attempts+1))
	defer cancel()

	resp, err := client.Run(ctx, os.Stdin)
	if err != nil {
		logger.Error("hook submit failed", zap.Error(err))
		return
	}
	logger.Debug("hook submitted", zap.Bool("accepted", resp.Accepted), zap.Bool("deduped", resp.Deduped))
}
