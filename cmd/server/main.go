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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/authgate/authgate/docs"
	"github.com/authgate/authgate/internal/audit"
	"github.com/authgate/authgate/internal/authz"
	"github.com/authgate/authgate/internal/config"
	"github.com/authgate/authgate/internal/crypto"
	"github.com/authgate/authgate/internal/identity"
	"github.com/authgate/authgate/internal/oauth2"
	"github.com/authgate/authgate/internal/observability/logger"
	"github.com/authgate/authgate/internal/observability/metrics"
	"github.com/authgate/authgate/internal/observability/tracing"
	"github.com/authgate/authgate/internal/store/postgres"
	"github.com/authgate/authgate/internal/token"
	transportHTTP "github.com/authgate/authgate/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
	slog.Info("starting authgate authorization server")

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg); err != nil {
			fmt.Printf("Migration failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx := context.Background()

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
		os.Exit(1)
	}
	defer tracer.Shutdown(ctx)

	if _, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName); err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
	}

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
	slog.Info("connected to database")

	keys, err := crypto.NewKeyService(crypto.Config{
		Algorithm:     cfg.JWT.Algorithm,
		PrivateKeyPEM: cfg.JWT.PrivateKeyPEM,
		PublicKeyPEM:  cfg.JWT.PublicKeyPEM,
		KeyID:         cfg.JWT.KeyID,
		HS256Secret:   cfg.JWT.HS256Secret,
	})
	if err != nil {
		slog.Error("failed to load signing keys", logger.Error(err))
		os.Exit(1)
	}
	codec := token.NewCodec(keys, cfg.JWT.Issuer, cfg.JWT.Audience)

	// Repositories
	userRepo := postgres.NewUserRepository(db)
	clientRepo := postgres.NewClientRepository(db)
	codeRepo := postgres.NewCodeRepository(db)
	accessRepo := postgres.NewAccessTokenRepository(db)
	refreshRepo := postgres.NewRefreshTokenRepository(db)
	blacklistRepo := postgres.NewBlacklistRepository(db)
	consentRepo := postgres.NewConsentRepository(db)
	roleRepo := postgres.NewRoleRepository(db)
	permissionRepo := postgres.NewPermissionRepository(db)
	assignmentRepo := postgres.NewAssignmentRepository(db)
	scopeRepo := postgres.NewScopeRepository(db)
	auditRepo := postgres.NewAuditRepository(db)

	auditLogger := audit.NewStoreLogger(auditRepo)

	// Services
	identityService := identity.NewService(userRepo, auditLogger, cfg.Security.BcryptCost, identity.LockoutPolicy{
		MaxAttempts: cfg.Security.LockoutMaxAttempts,
		Window:      cfg.Security.LockoutWindow,
		Duration:    cfg.Security.LockoutDuration,
	})
	authzService := authz.NewService(roleRepo, permissionRepo, assignmentRepo, scopeRepo, auditLogger)
	clientService := oauth2.NewClientService(clientRepo, accessRepo, refreshRepo, consentRepo, auditLogger, cfg.Security.BcryptCost)
	tokenService := oauth2.NewTokenService(
		codeRepo, accessRepo, refreshRepo, blacklistRepo,
		userRepo, authzService, codec, auditLogger,
		cfg.Security.AccessTokenLifetime, cfg.Security.RefreshTokenLifetime,
	)
	authorizeService := oauth2.NewAuthorizeService(clientRepo, codeRepo, consentRepo, auditLogger, cfg.Security.AuthCodeLifetime)
	authenticator := oauth2.NewAuthenticator(
		clientRepo, blacklistRepo,
		cfg.Server.ExternalBaseURL+"/api/v2/oauth/token",
		cfg.Security.JWKSFetchTimeout, cfg.Security.JWKSCacheTTL,
	)
	identityService.SetTokenRevoker(tokenService)

	// Seed the initial admin account when configured
	bootstrapService := identity.NewBootstrapService(identityService, roleRepo, assignmentRepo, auditLogger)
	if err := bootstrapService.Bootstrap(ctx); err != nil {
		slog.Error("bootstrap failed", logger.Error(err))
		os.Exit(1)
	}

	handler := transportHTTP.NewHandler(transportHTTP.HandlerConfig{
		Identity:      identityService,
		Clients:       clientService,
		Authorize:     authorizeService,
		Tokens:        tokenService,
		Authenticator: authenticator,
		Authz:         authzService,
		Keys:          keys,
		AuditEvents:   auditRepo,
		AuditLogger:   auditLogger,
		Issuer:        cfg.Server.ExternalBaseURL,
		LoginURL:      cfg.Server.LoginURL,
		ConsentURL:    cfg.Server.ConsentURL,
	})
	router := transportHTTP.NewRouter(handler, transportHTTP.RouterConfig{
		RateLimiter:    transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		CORSMaxAge:     cfg.CORS.MaxAge,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Hourly sweep of expired codes, tokens and blacklist entries.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			sweepExpired(ctx, codeRepo, accessRepo, refreshRepo, blacklistRepo, consentRepo, auditLogger)
		}
	}()

	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
}

// sweepExpired purges rows whose expiry has passed. Revoked state is
// irrelevant once a token is expired; the signature check alone rejects
// it.
func sweepExpired(
	ctx context.Context,
	codes oauth2.AuthorizationCodeRepository,
	access oauth2.AccessTokenRepository,
	refresh oauth2.RefreshTokenRepository,
	blacklist oauth2.BlacklistRepository,
	consents oauth2.ConsentRepository,
	auditLogger audit.Logger,
) {
	var total int64
	for name, purge := range map[string]func(context.Context) (int64, error){
		"codes":     codes.DeleteExpired,
		"access":    access.DeleteExpired,
		"refresh":   refresh.DeleteExpired,
		"blacklist": blacklist.DeleteExpired,
		"consents":  consents.DeleteExpired,
	} {
		n, err := purge(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "failed to purge expired rows",
				logger.Component(name), logger.Error(err))
			continue
		}
		total += n
	}
	if total > 0 {
		event := audit.Success(audit.ActionBlacklistCleanup)
		event.ActorType = audit.ActorSystem
		event.Metadata = map[string]any{"purged": total}
		auditLogger.Log(ctx, event)
	}
}

func runMigrate(cfg *config.Config) error {
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
		return err
	}
	defer db.Close()

	fmt.Println("Applying initial schema...")
	if err := db.Migrate(ctx, postgres.InitialSchema); err != nil {
		return err
	}
	fmt.Println("Migration successful.")
	return nil
}
