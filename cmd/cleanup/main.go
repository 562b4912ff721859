// Copyright 2026 The AuthGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command cleanup purges expired authorization codes, tokens and
// blacklist entries. Intended to run from cron as a backstop for the
// server's own hourly sweep.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/authgate/authgate/internal/audit"
	"github.com/authgate/authgate/internal/config"
	"github.com/authgate/authgate/internal/observability/logger"
	"github.com/authgate/authgate/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", logger.Error(err))
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "authgate-cleanup",
	})

	ctx := context.Background()
	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	purges := []struct {
		name  string
		purge func(context.Context) (int64, error)
	}{
		{"authorization codes", postgres.NewCodeRepository(db).DeleteExpired},
		{"access tokens", postgres.NewAccessTokenRepository(db).DeleteExpired},
		{"refresh tokens", postgres.NewRefreshTokenRepository(db).DeleteExpired},
		{"blacklist entries", postgres.NewBlacklistRepository(db).DeleteExpired},
		{"consent grants", postgres.NewConsentRepository(db).DeleteExpired},
	}

	var total int64
	failed := false
	for _, p := range purges {
		n, err := p.purge(ctx)
		if err != nil {
			slog.Error("cleanup failed", logger.Component(p.name), logger.Error(err))
			failed = true
			continue
		}
		slog.Info("purged expired rows",
			logger.Component(p.name),
			slog.Int64("count", n),
		)
		total += n
	}

	auditLogger := audit.NewStoreLogger(postgres.NewAuditRepository(db))
	event := audit.Success(audit.ActionBlacklistCleanup)
	event.ActorType = audit.ActorSystem
	event.Metadata = map[string]any{"purged": total}
	if failed {
		event.Success = false
	}
	auditLogger.Log(ctx, event)

	if failed {
		os.Exit(1)
	}
}
