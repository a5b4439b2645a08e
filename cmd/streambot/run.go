package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"streambot/internal/app"
	logx "streambot/pkg/logx"
)

const stopTimeout = 10 * time.Second

func runCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the notification engine until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, f.config)
		},
	}
}

func run(ctx context.Context, cfgPath string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}
	log := a.Logger()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), "start failed")
		return fmt.Errorf("fatal start: %w", err)
	}
	notifySystemd(log, daemon.SdNotifyReady)
	go watchdog(ctx, log)

	reason := "signal"
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = "component failure"
	}
	notifySystemd(log, daemon.SdNotifyStopping)

	stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
	defer stop()
	if err := a.Stop(stopCtx, reason); err != nil {
		log.Warn("stop error", logx.Err(err))
	}
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// notifySystemd is a no-op outside a systemd unit.
func notifySystemd(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// watchdog pings systemd at half the unit's WatchdogSec until ctx ends.
func watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notifySystemd(log, daemon.SdNotifyWatchdog)
		}
	}
}
