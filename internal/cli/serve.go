package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tempo/internal/app"
	logx "tempo/pkg/logx"
)

func newServeCmd(cfgFile *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a scheduler node until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, logx.NewConsole(cmd.ErrOrStderr(), "info"), *cfgFile, stopTimeout)
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 15*time.Second, "how long to wait for running tasks on shutdown")
	return cmd
}

// boot logs until the config file has produced the real logger.
func runServe(ctx context.Context, boot logx.Logger, cfgFile string, stopTimeout time.Duration) error {
	boot.Info("starting node", logx.String("config", cfgFile))
	a, err := app.New(ctx, cfgFile)
	if err != nil {
		boot.Error("startup failed", logx.String("config", cfgFile), logx.Err(err))
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx)
		return err
	}

	select {
	case <-ctx.Done():
		a.Logger().Info("shutdown requested")
	case <-a.Done():
		a.Logger().Warn("supervisor stopped", logx.Err(a.Err()))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return a.Stop(stopCtx)
}
