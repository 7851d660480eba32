package command

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/tasker/internal/capability"
	"github.com/xiaot623/gogo/tasker/internal/config"
	"github.com/xiaot623/gogo/tasker/internal/executor"
	"github.com/xiaot623/gogo/tasker/internal/logging"
	"github.com/xiaot623/gogo/tasker/internal/metrics"
	"github.com/xiaot623/gogo/tasker/internal/notifier"
	"github.com/xiaot623/gogo/tasker/internal/processor"
	"github.com/xiaot623/gogo/tasker/internal/repository"
	"github.com/xiaot623/gogo/tasker/internal/service"
	"github.com/xiaot623/gogo/tasker/internal/tasks"
	transporthttp "github.com/xiaot623/gogo/tasker/internal/transport/http"
	"github.com/xiaot623/gogo/tasker/internal/transport/rpc"
	"github.com/xiaot623/gogo/tasker/policy"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the task runner server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting tasker",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("rpc_port", cfg.RPCPort),
		zap.String("database", cfg.DatabaseURL),
		zap.Int("workers", cfg.Workers))

	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	policyEngine, err := policy.LoadEngine(ctx, cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	caps := capability.NewRegistry()
	for name, endpoint := range cfg.CapabilityEndpoints {
		if err := caps.Register(name, capability.NewHTTPProvider(endpoint, cfg.CallTimeout)); err != nil {
			return err
		}
		logger.Info("remote capability registered", zap.String("service", name), zap.String("endpoint", endpoint))
	}
	capability.RegisterBuiltins(caps)

	taskRegistry := executor.NewRegistry()
	tasks.Register(taskRegistry)

	m := metrics.New()
	proc := processor.New(processor.Deps{
		Store:        db,
		Executor:     executor.New(taskRegistry),
		Capabilities: caps,
		Policy:       policyEngine,
		Notifier:     notifier.New(),
		Metrics:      m,
		Logger:       logger,
	}, processor.Options{
		Workers:         cfg.Workers,
		MaxInFlight:     cfg.MaxInFlight,
		PollMin:         cfg.PollMin,
		PollMax:         cfg.PollMax,
		Lease:           cfg.Lease,
		DeferredTimeout: cfg.DeferredTimeout,
		CallTimeout:     cfg.CallTimeout,
		MaxAttempts:     cfg.MaxAttempts,
		RetryBase:       cfg.RetryBase,
		RetryMax:        cfg.RetryMax,
	})
	svc := service.New(db, proc, taskRegistry, cfg, m, logger)

	httpServer := transporthttp.NewServer(svc, m)
	rpcServer, err := rpc.NewServer(svc, logger)
	if err != nil {
		return err
	}

	retention, err := svc.StartRetention(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proc.Run(gctx)
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("http api listening", zap.String("addr", addr))
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.RPCPort)
		logger.Info("rpc listening", zap.String("addr", addr))
		if err := rpcServer.Start(addr); err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down tasker")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if retention != nil {
			<-retention.Stop().Done()
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown http server gracefully", zap.Error(err))
		}
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown rpc server gracefully", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("tasker stopped")
	return err
}
