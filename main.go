package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"frenchmentor/internal/api"
	"frenchmentor/internal/config"
	"frenchmentor/internal/logging"
	"frenchmentor/internal/metrics"
	"frenchmentor/internal/redis"
	"frenchmentor/internal/service/ai"
	"frenchmentor/internal/storage"
	"frenchmentor/internal/tutor"
	"frenchmentor/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:   "frenchmentor",
	Short: "AI French tutor backend: corrections, mistake journal, missions and lessons.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// a missing .env is fine
		_ = godotenv.Load()
		if configPath == "" {
			configPath = os.Getenv("FRENCHMENTOR_CONFIG")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json (defaults to $FRENCHMENTOR_CONFIG or ./config.json)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	db, err := storage.Open(cfg.Databases)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, cfg.Databases.Driver); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	exporter := metrics.New(metrics.DefaultConfig())
	mentor := newTutor(ctx, cfg, logger)

	opts := []worker.Option{worker.WithLogger(logger), worker.WithRecorder(exporter)}
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
		opts = append(opts, worker.WithCache(worker.NewRedisCache(rdb, cfg.Redis.CacheTTL, cfg.Redis.Channel, logger)))
	} else {
		logger.Info("redis not configured, running without snapshot cache and sync")
	}
	manager := worker.NewManager(worker.Config{
		Session:     cfg.Session(),
		Writers:     cfg.Persistence.Writers,
		SaveTimeout: cfg.Persistence.SaveTimeout,
	}, mentor, storage.NewSnapshotStore(db, cfg.Databases.Driver), opts...)
	defer manager.Stop()

	gin.SetMode(cfg.BasicConfig.Mode)
	router := gin.New()
	api.NewHandler(manager, storage.NewFeedbackStore(db),
		api.WithLogger(logger), api.WithMetrics(exporter.Handler())).RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.BasicConfig.ServerAddress, Handler: router}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr), zap.String("origin", manager.Origin()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newTutor builds the model-backed tutor. A missing or broken provider
// still starts the server; every tutor call then reports the fault.
func newTutor(ctx context.Context, cfg *config.Config, logger *zap.Logger) tutor.Tutor {
	name, prov, ok := cfg.Provider()
	if !ok {
		err := fmt.Errorf("%w: provider %q has no api key", tutor.ErrConfigurationFault, name)
		logger.Warn("tutor unconfigured", zap.Error(err))
		return ai.Unconfigured{Err: err}
	}
	chatModel, err := ai.NewChatModel(ctx, name, prov)
	if err != nil {
		logger.Warn("tutor unconfigured", zap.String("provider", name), zap.Error(err))
		return ai.Unconfigured{Err: err}
	}
	return ai.NewService(chatModel, ai.WithLogger(logger), ai.WithTimeout(cfg.Tutor.Timeout))
}
