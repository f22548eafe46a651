package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/possync/internal/engine"
	"github.com/agentworkforce/possync/internal/statusapi"
)

const shutdownTimeout = 5 * time.Second

func (a *app) newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine and the local status API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
	}
}

func (a *app) run(ctx context.Context) error {
	eng, err := engine.New(ctx, a.cfg, engine.WithLogger(a.logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			a.logger.Error("close engine", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr: a.cfg.API.Addr,
		Handler: statusapi.NewServer(eng, statusapi.Config{
			TokenSecret: a.cfg.API.TokenSecret,
			Gatherer:    eng.Gatherer(),
			Logger:      a.logger.Named("api"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		a.logger.Info("status api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	a.logger.Info("possync stopped", zap.Int("pending", eng.View().PendingCount()))
	return err
}
