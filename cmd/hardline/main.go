package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hardline/softphone/internal/banner"
	"github.com/hardline/softphone/internal/logger"
	"github.com/hardline/softphone/internal/softphone"
	"github.com/hardline/softphone/internal/softphone/config"
)

func main() {
	cfg := config.Load()

	outputs := []io.Writer{os.Stdout}
	if fileOut := logger.FileOutput(cfg.LogFile); fileOut != nil {
		outputs = append(outputs, fileOut)
	}
	logger.Init(outputs...)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("Hardline Softphone Agent", []banner.ConfigLine{
		{Label: "SIP bind", Value: fmt.Sprintf("%s:%d", cfg.SIPBindAddr, cfg.SIPPort)},
		{Label: "UI bridge", Value: fmt.Sprintf("%s:%d", cfg.HTTPBindAddr, cfg.HTTPPort)},
		{Label: "User agent", Value: cfg.UserAgent},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := softphone.New(cfg)
	if err := app.Run(ctx); err != nil {
		slog.Error("[Main] Agent exited with error", "error", err)
		os.Exit(1)
	}
}
