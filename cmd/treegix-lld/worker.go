package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webeonic/treegix-sub007/internal/discovery"
	"github.com/webeonic/treegix-sub007/internal/lld/worker"
	"github.com/webeonic/treegix-sub007/internal/otel"
	"github.com/webeonic/treegix-sub007/internal/store"
)

var workerIndex int

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one LLD worker (started by the manager)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		log = log.Named("worker").With(zap.Int("worker", workerIndex))
		defer log.Sync()

		ctx, cancel := signalContext()
		defer cancel()

		st, err := store.Open(cfg.StateDB)
		if err != nil {
			log.Error("cannot open rule state database", zap.String("path", cfg.StateDB), zap.Error(err))
			return err
		}
		defer st.Close()

		tracer, err := otel.NewTracer(ctx, cfg.TracerConfig(version))
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tracer.Shutdown(shutdownCtx)
		}()

		proc := discovery.NewProcessor(st, discovery.WithLogger(log.Named("discovery")))

		w := worker.New(worker.Config{
			Dir:            cfg.SocketDir,
			Index:          workerIndex,
			ConnectTimeout: cfg.ConnectTimeout,
			StatInterval:   cfg.StatInterval,
		}, proc, worker.WithLogger(log), worker.WithTracer(tracer))

		if err := w.Run(ctx); err != nil {
			log.Error("LLD worker failed", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerIndex, "index", 1, "worker number")
}
