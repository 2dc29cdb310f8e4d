package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/emanuelef/yt-dl-client-go/internal/presenter"
	transport "github.com/emanuelef/yt-dl-client-go/internal/transport/http"
	"github.com/emanuelef/yt-dl-client-go/internal/transport/http/middleware"
	"github.com/emanuelef/yt-dl-client-go/pkg/logger"
)

var addrFlag string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller behind a local status API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides STATUS_ADDR, default 127.0.0.1:8090)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	addr := a.cfg.StatusAddr
	if addrFlag != "" {
		addr = addrFlag
	}
	if addr == "" {
		addr = "127.0.0.1:8090"
	}

	hub := presenter.NewHub()
	ctrl := a.newController(presenter.Multi{
		presenter.NewLog(logger.Component(a.log, "presenter")),
		hub,
	})
	defer ctrl.Close()

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	defer limiter.Stop()

	handlers := transport.NewHandlers(ctrl, a.sessions, hub, logger.Component(a.log, "api"))
	router := transport.NewRouter(transport.RouterConfig{
		AllowedOrigins: a.cfg.AllowedOrigins,
		Limiter:        limiter,
		Logger:         logger.Component(a.log, "http"),
	}, handlers)
	server := transport.NewServer(addr, router)

	// Cancelled before Shutdown so open event feeds end.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	server.BaseContext = func(net.Listener) context.Context { return baseCtx }

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("Status API listening", "addr", addr, "backend", a.cfg.BackendURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	a.log.Info("Shutting down...")
	cancelBase()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
