package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"civicaid/auth"
	"civicaid/classify"
	"civicaid/config"
	"civicaid/db"
	"civicaid/intake"
	"civicaid/lifecycle"
	"civicaid/logging"
	"civicaid/matching"
	"civicaid/migrations"
	"civicaid/request"
	"civicaid/utterance"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func loadConfig() (*config.Config, *zap.Logger, error) {
	var paths []string
	if configDir != "" {
		paths = append(paths, configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// buildClassifier wires the AI responder, its optional Redis cache and the
// keyword rules. The returned cleanup closes whatever was opened.
func buildClassifier(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*classify.Classifier, func(), error) {
	cleanup := func() {}

	rules := classify.DefaultRules()
	if cfg.Classifier.RulesFile != "" {
		data, err := os.ReadFile(cfg.Classifier.RulesFile)
		if err != nil {
			return nil, cleanup, fmt.Errorf("read classifier rules: %w", err)
		}
		if rules, err = classify.ParseRules(data); err != nil {
			return nil, cleanup, err
		}
	}

	var responder classify.Responder
	if cfg.Classifier.APIKey != "" {
		gemini, err := classify.NewGeminiResponder(ctx, cfg.Classifier.APIKey, cfg.Classifier.Model)
		if err != nil {
			return nil, cleanup, err
		}
		responder = gemini

		if cfg.Redis.URL != "" {
			rdb, err := classify.NewRedisClient(ctx, cfg.Redis.URL)
			if err != nil {
				logger.Warn("classifier cache disabled", zap.Error(err))
			} else {
				cleanup = func() { _ = rdb.Close() }
				responder = classify.NewCachedResponder(gemini, classify.NewRedisCache(rdb), cfg.Classifier.CacheTTL, logger)
			}
		}
	} else {
		logger.Info("no AI responder configured; classifying with keyword rules only")
	}

	c := classify.New(responder, rules, logger.Named("classify")).WithTimeout(cfg.Classifier.Timeout)
	return c, cleanup, nil
}

func buildServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, func(), error) {
	var (
		store   request.Store
		users   auth.Repository
		closers []func()
		cleanup = func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	)

	switch cfg.Database.Store {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, pool.Close)
		store = request.NewPGStore(pool)
		users = auth.NewRepository(pool)
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		store = request.NewMemoryStore()
		users = auth.NewMemoryRepository()
	}

	classifier, closeClassifier, err := buildClassifier(ctx, cfg, logger)
	closers = append(closers, closeClassifier)
	if err != nil {
		return nil, cleanup, err
	}

	requests := lifecycle.NewService(store, logger.Named("lifecycle"))
	srv := &Server{
		authService: auth.NewService(users, cfg.JWT.Secret).WithTokenTTL(cfg.JWT.TTL),
		requests:    requests,
		matching:    matching.NewEngine(store, logger.Named("matching")),
		intake:      intake.NewService(classifier, requests, logger.Named("intake")),
		logger:      logger.Named("http"),
	}
	return srv, cleanup, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := buildServer(ctx, cfg, logger)
	defer cleanup()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("store", cfg.Database.Store),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down http server")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if err := cfg.ValidateMigrate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := migrations.Apply(ctx, pool)
	if err != nil {
		return err
	}
	logger.Info("migrations applied", zap.Strings("names", applied), zap.Int("count", len(applied)))
	return nil
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	classifier, cleanup, err := buildClassifier(ctx, cfg, logger)
	defer cleanup()
	if err != nil {
		return err
	}

	u, err := utterance.Normalize(utterance.Raw{Text: strings.Join(args, " "), Language: classifyLanguage})
	if err != nil {
		return err
	}
	result := classifier.Classify(ctx, u)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Utterance      utteranceResponse      `json:"utterance"`
		Classification classificationResponse `json:"classification"`
	}{
		Utterance:      utteranceResponse{Text: u.Text, Language: u.Language, Confidence: u.Confidence},
		Classification: toClassificationResponse(result),
	})
}
