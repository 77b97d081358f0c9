package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/DeafMist/plugin-smoke/internal/config"
	"github.com/DeafMist/plugin-smoke/internal/logger"
)

func main() {
	log := logger.New("smoke")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)

	a := &app{log: log, out: os.Stdout, loadConfig: config.LoadRunner}
	err := newRootCmd(a).ExecuteContext(ctx)
	stop()

	if err != nil {
		if !errors.Is(err, errNotPassed) {
			log.Error("smoke run aborted", slog.Any("err", err))
		}
		os.Exit(1)
	}
}
