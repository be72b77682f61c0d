package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/api"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/auth"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/config"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/database"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/engine"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/inbox"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/logging"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/mutation"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/presence"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/server"
	"github.com/MarcoPoloResearchLab/inboxsync/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	metrics := telemetry.NewMetrics()

	journal, err := mutation.NewJournal(mutation.JournalConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: inbox.NewUUIDProvider(),
		Logger:     logger.Named("journal"),
	})
	if err != nil {
		return err
	}
	if _, err := journal.FailInterrupted(ctx); err != nil {
		return err
	}

	transport, err := buildTransport(appConfig, logger)
	if err != nil {
		return err
	}

	presenceBackend, closePresence, err := buildPresenceStore(appConfig, db)
	if err != nil {
		return err
	}
	defer closePresence()

	apiClient, err := api.NewClient(api.Config{
		BaseURL:            appConfig.APIBaseURL,
		Token:              appConfig.APIToken,
		Timeout:            appConfig.APITimeout,
		RatePerSecond:      appConfig.APIRatePerSecond,
		Burst:              appConfig.APIBurst,
		BreakerMaxFailures: appConfig.APIBreakerMaxFailures,
		BreakerOpenTimeout: appConfig.APIBreakerOpenTimeout,
		Logger:             logger.Named("api"),
	})
	if err != nil {
		return err
	}

	notifier := server.NewNotifier()
	inboxEngine, err := engine.New(engine.Config{
		Transport:        transport,
		API:              apiClient,
		PresenceReader:   presenceBackend,
		PresenceWriter:   presenceBackend,
		Journal:          journal,
		ChannelPrefix:    appConfig.ChannelPrefix,
		PresenceInterval: appConfig.PresenceInterval,
		Location:         appConfig.TimelineLocation,
		QueueSize:        appConfig.EventLoopQueueSize,
		OnNotify:         notifier.Publish,
		Logger:           logger,
		Metrics:          metrics,
	})
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
		TokenTTL:      appConfig.AuthSessionTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Inbox:             inboxEngine,
		Sessions:          sessions,
		Notifier:          notifier,
		Metrics:           metrics,
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.StreamHeartbeat,
		Logger:            logger.Named("http"),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inboxEngine.Start(signalCtx)

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("transport", appConfig.Transport),
			zap.String("presence_backend", appConfig.PresenceBackend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := inboxEngine.Close(shutdownCtx); err != nil {
		logger.Warn("engine shutdown failed", zap.Error(err))
	}
	return serveErr
}

func buildTransport(appConfig config.AppConfig, logger *zap.Logger) (realtime.Transport, error) {
	switch appConfig.Transport {
	case config.TransportMemory:
		return realtime.NewMemoryTransport(), nil
	case config.TransportWebSocket:
		transport, err := realtime.NewWebSocketTransport(realtime.WebSocketConfig{
			URL:    appConfig.RealtimeURL,
			Token:  appConfig.RealtimeToken,
			Logger: logger.Named("websocket"),
		})
		if err != nil {
			return nil, err
		}
		return transport, nil
	case config.TransportKafka:
		transport, err := realtime.NewKafkaTransport(realtime.KafkaConfig{
			Brokers:     appConfig.KafkaBrokers,
			TopicPrefix: appConfig.KafkaTopicPrefix,
			GroupPrefix: appConfig.ChannelPrefix + "-",
			Logger:      logger.Named("kafka"),
		})
		if err != nil {
			return nil, err
		}
		return transport, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", appConfig.Transport)
	}
}

type presenceStore interface {
	presence.Reader
	presence.Writer
}

func buildPresenceStore(appConfig config.AppConfig, db *gorm.DB) (presenceStore, func(), error) {
	switch appConfig.PresenceBackend {
	case config.PresenceBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		store, err := presence.NewRedisStore(client, appConfig.RedisPrefix, appConfig.PresenceTTL)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	default:
		store, err := presence.NewSQLStore(db)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}
