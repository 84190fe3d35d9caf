// devserver runs the in-memory reference record server for local
// development and manual testing.
//
// Usage: go run ./cmd/devserver --listen 127.0.0.1:8080 [--token secret]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkoskela/tether/internal/recordserver"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:8080", "listen address")
	token := flag.String("token", "", "require this bearer token when set")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	srv := recordserver.New(logger)
	if *token != "" {
		srv.RequireToken(*token)
	}

	httpSrv := &http.Server{
		Addr:              *listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("devserver listening", slog.String("addr", *listen))

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "devserver: %v\n", err)
		os.Exit(1)
	}
}
