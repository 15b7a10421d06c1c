package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Run starts every module in order and blocks until all of them exit. A
// termination signal or the first module error stops the rest.
func Run(logger *zap.Logger, modules []Module) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	logger.Info("starting...", zap.Int("modules", len(modules)))
	for i, m := range modules {
		if err := m.Start(ctx, g); err != nil {
			stop()
			return fmt.Errorf("error while starting module %d (%T): %w", i, m, err)
		}
	}

	go func() {
		<-ctx.Done()
		logger.Info("exiting...")
	}()

	return g.Wait()
}
