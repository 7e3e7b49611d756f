package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mpedrazzi/intentchat/internal/config"
	"github.com/mpedrazzi/intentchat/internal/conversation"
	"github.com/mpedrazzi/intentchat/internal/httpapi"
	"github.com/mpedrazzi/intentchat/internal/intent"
	"github.com/mpedrazzi/intentchat/internal/observability"
	"github.com/mpedrazzi/intentchat/internal/oracle"
	"github.com/mpedrazzi/intentchat/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(512)

	ctx := context.Background()
	st, err := store.New(ctx, store.Options{
		Backend:   cfg.StoreBackend,
		Path:      cfg.SQLitePath,
		URL:       storeURL(cfg),
		Retention: store.RetentionPolicy{MaxTurns: cfg.MaxTurns},
	})
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer st.Close()

	orc, err := oracle.New(oracle.Config{
		Mode:         cfg.OracleMode,
		Endpoint:     cfg.OracleEndpoint,
		Model:        cfg.OracleModel,
		TokenURL:     cfg.OracleTokenURL,
		ClientID:     cfg.OracleClientID,
		ClientSecret: cfg.OracleClientSecret,
		MaxRetries:   cfg.OracleMaxRetries,
	})
	if err != nil {
		log.Fatalf("oracle init failed: %v", err)
	}

	rules, err := intent.NewRuleClassifier(nil)
	if err != nil {
		log.Fatalf("rule classifier init failed: %v", err)
	}
	classifier, err := intent.NewClassifier(orc, rules, intent.ClassifierConfig{
		Threshold:   cfg.ConfidenceThreshold,
		Temperature: cfg.IntentTemperature,
		MaxTokens:   cfg.IntentMaxTokens,
	})
	if err != nil {
		log.Fatalf("classifier init failed: %v", err)
	}

	orchestrator, err := conversation.NewOrchestrator(st, classifier, orc, conversation.Config{
		DefaultSession:      cfg.DefaultSession,
		WindowTurns:         cfg.WindowTurns,
		WindowChars:         cfg.WindowChars,
		OracleTimeout:       cfg.OracleTimeout,
		CommitRetries:       cfg.CommitRetries,
		ResponseTemperature: cfg.ResponseTemperature,
		ResponseMaxTokens:   cfg.ResponseMaxTokens,
	})
	if err != nil {
		log.Fatalf("orchestrator init failed: %v", err)
	}
	orchestrator.WithObservability(metrics, stages)

	api := httpapi.New(cfg, orchestrator, stages)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// storeURL picks the connection URL matching the selected backend.
func storeURL(cfg config.Config) string {
	switch cfg.StoreBackend {
	case "redis":
		return cfg.RedisURL
	case "postgres":
		return cfg.DatabaseURL
	}
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	return cfg.RedisURL
}
