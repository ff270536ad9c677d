package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"launcher/internal/app"
	logx "launcher/pkg/logx"
)

func main() {
	var (
		cfgPath     string
		check       bool
		checkN      int
		stopTimeout time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./launcher.yaml", "path to config (yaml or json)")
	flag.BoolVar(&check, "check", false, "validate config, print upcoming fire times and exit")
	flag.IntVar(&checkN, "n", 3, "fire times per task for -check")
	flag.DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "graceful stop budget")
	flag.Parse()

	// Used until the app's own log service is configured, and after it closes.
	boot := logx.NewConsole("info").With(logx.String("comp", "main"))

	if check {
		if err := app.Check(cfgPath, os.Stdout, checkN, time.Now()); err != nil {
			boot.Error("config invalid", logx.String("path", cfgPath), logx.Err(err))
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("startup failed", logx.String("path", cfgPath), logx.Err(err))
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		os.Exit(1)
	}
	// No-op outside a systemd Type=notify unit.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		switch sig {
		case os.Interrupt:
			reason = app.StopSIGINT
		case syscall.SIGTERM:
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		boot.Error("exited with error", logx.String("reason", string(reason)), logx.Err(err))
		os.Exit(1)
	}
}
