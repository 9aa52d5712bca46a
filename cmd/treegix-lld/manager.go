package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/webeonic/treegix-sub007/internal/ipc"
	"github.com/webeonic/treegix-sub007/internal/lld/manager"
	"github.com/webeonic/treegix-sub007/internal/lld/protocol"
	"github.com/webeonic/treegix-sub007/internal/otel"
	"github.com/webeonic/treegix-sub007/internal/procs"
)

var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "Run the LLD manager and its worker processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, cancel := signalContext()
		defer cancel()

		metrics, err := otel.NewMetrics(ctx, cfg.MetricsConfig(version))
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metrics.Shutdown(shutdownCtx); err != nil {
				log.Warn("cannot flush metrics", zap.Error(err))
			}
		}()

		svc, err := ipc.Listen(cfg.SocketDir, protocol.ServiceName, ipc.WithLogger(log.Named("ipc")))
		if err != nil {
			log.Error("cannot start LLD manager service", zap.Error(err))
			return err
		}
		defer svc.Close()

		m := manager.New(manager.Config{
			Workers:      cfg.Workers,
			RecvTimeout:  cfg.RecvTimeout,
			StatInterval: cfg.StatInterval,
		},
			manager.WithLogger(log.Named("manager")),
			manager.WithRecorder(metrics),
		)

		exe, err := os.Executable()
		if err != nil {
			return err
		}
		sup := procs.NewSupervisor(cfg.Workers, func(index int) []string {
			argv := []string{exe, "worker", "--index", strconv.Itoa(index)}
			if configPath != "" {
				argv = append(argv, "--config", configPath)
			}
			return argv
		}, procs.WithLogger(log.Named("procs")))

		log.Info("LLD manager started",
			zap.String("socket", svc.Path()), zap.Int("workers", cfg.Workers), zap.String("version", version))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return m.Run(gctx, svc)
		})
		g.Go(func() error {
			return sup.Run(gctx)
		})
		g.Go(func() error {
			reportUsage(gctx, clock.New(), sup, log.Named("procs"), cfg.StatInterval)
			return nil
		})

		if err := g.Wait(); err != nil {
			if manager.IsFatal(err) {
				log.Error("LLD manager protocol violation", zap.Error(err))
			} else {
				log.Error("LLD manager stopped", zap.Error(err))
			}
			return err
		}

		log.Info("LLD manager terminated")
		return nil
	},
}

// reportUsage logs the resource usage of worker processes every interval.
func reportUsage(ctx context.Context, clk clock.Clock, sup *procs.Supervisor, log *zap.Logger, interval time.Duration) {
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, u := range sup.Usage() {
				log.Debug("LLD worker process usage",
					zap.Int("pid", u.PID),
					zap.Float64("cpu_percent", u.CPUPercent),
					zap.Uint64("rss", u.MemRSS),
					zap.Int("threads", u.NumThreads))
			}
		}
	}
}
