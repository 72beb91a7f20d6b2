// Command smp-broker starts the in-memory SMP broker: it loads
// configuration, wires the process-wide stores, and serves client
// sessions on a TCP listener until interrupted.
//
// Grounded on the teacher's main.go startup sequence (automaxprocs tuning
// before config load, structured logger construction, signal-driven
// graceful shutdown).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/smpbroker/broker/internal/auth"
	"github.com/smpbroker/broker/internal/config"
	"github.com/smpbroker/broker/internal/monitoring"
	"github.com/smpbroker/broker/internal/server"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides SMP_LOG_LEVEL)")
	flag.Parse()

	startupLog := log.New(os.Stdout, "[smp-broker] ", log.LstdFlags)

	cfg, err := config.Load(nil)
	if err != nil {
		startupLog.Fatalf("load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(cfg.LoggerConfig())
	cfg.Log(logger)

	srv := server.New(logger, server.Config{
		TCPAddr:      cfg.TCPAddr,
		TBQSize:      cfg.TBQSize,
		QueueIDBytes: cfg.QueueIDBytes,
		MsgIDBytes:   cfg.MsgIDBytes,
	}, auth.StubVerifier)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("broker exited with error")
	}
	logger.Info().Msg("broker shut down cleanly")
}
