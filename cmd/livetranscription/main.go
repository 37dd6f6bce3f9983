// Command livetranscription runs the live-transcription bridge: it
// loads configuration, wires the room registry, starts the HTTP
// control plane and memory watchdog, and shuts everything down
// cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"example.com/livetranscription/internal/config"
	"example.com/livetranscription/internal/httpapi"
	"example.com/livetranscription/internal/logging"
	"example.com/livetranscription/internal/registry"
	"example.com/livetranscription/internal/watchdog"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livetranscription: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livetranscription: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	reg := registry.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Always started: effectiveCeilingBytes decides whether a cgroup
	// limit or the configured absolute ceiling applies, and disables
	// shedding entirely when neither is present.
	wd, err := watchdog.New(reg, cfg.MemoryCeilingMB, log)
	if err != nil {
		log.Warn("failed to start memory watchdog", zap.Error(err))
	} else {
		go wd.Run(ctx)
	}

	router := httpapi.NewRouter(reg, log)
	srv := &http.Server{
		Addr:    cfg.HTTPListenAddr,
		Handler: router,
	}

	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTPListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	reg.Shutdown()
}
