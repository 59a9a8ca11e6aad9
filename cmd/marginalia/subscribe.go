package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func subscribeCmd() *cobra.Command {
	var (
		handle  string
		target  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Follow a remote actor",
		Long:  `Send a Follow from a local actor to a remote actor and record it as pending.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			if target == "" {
				return fmt.Errorf("--target is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if handle == "" {
				handle = cfg.InstanceHandle
			}

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			follow, err := a.publisher.Subscribe(ctx, handle, target)
			if err != nil {
				return err
			}
			if err := a.queue.Shutdown(ctx); err != nil {
				logger.Warn("Follow delivery did not finish", zap.Error(err))
			}

			fmt.Println(accentValueStyle.Render("✓ Follow sent"))
			fmt.Println(labelStyle.Render("Follow") + valueStyle.Render(follow.ID))
			fmt.Println(labelStyle.Render("Object") + valueStyle.Render(follow.Object))
			fmt.Println(labelStyle.Render("State") + followStateStyle(follow.State).Render(string(follow.State)))
			return nil
		},
	}

	cmd.Flags().StringVar(&handle, "handle", "", "local actor handle (defaults to the instance actor)")
	cmd.Flags().StringVar(&target, "target", "", "remote actor URI to follow")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for delivery")
	return cmd
}
