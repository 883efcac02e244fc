package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/emmeowzing/threatstack-rule-manager/internal/app"
	"github.com/emmeowzing/threatstack-rule-manager/internal/config"
	"github.com/emmeowzing/threatstack-rule-manager/internal/httpapi"
)

var version = "dev"

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], logger, app.Options{}); err != nil {
		logger.WithError(err).Fatal("tsctl-api failed")
	}
}

func loadConfig(args []string) (config.Config, error) {
	fs := pflag.NewFlagSet("tsctl-api", pflag.ContinueOnError)
	cfgFile := fs.String("config", "", "config file (default is $HOME/.tsctl.yaml)")
	fs.String("addr", "", "listen address (default :8080)")
	fs.String("state-dir", "", "state root (default is ~/.threatstack)")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	v := config.New()
	_ = v.BindPFlag("api.addr", fs.Lookup("addr"))
	_ = v.BindPFlag("state.dir", fs.Lookup("state-dir"))
	return config.Load(v, *cfgFile)
}

// run serves until ctx is done, then drains in-flight requests for up to
// api.shutdown_timeout.
func run(ctx context.Context, args []string, logger *logrus.Logger, opts app.Options) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	ln, err := net.Listen("tcp", cfg.API.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.API.Addr, err)
	}
	return serve(ctx, cfg, ln, logger, opts)
}

func serve(ctx context.Context, cfg config.Config, ln net.Listener, logger *logrus.Logger, opts app.Options) error {
	hub := httpapi.NewEventHub(0)
	opts.Logger = logger
	opts.OnEvent = hub.Publish
	a, err := app.Open(ctx, cfg, opts)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.WithError(err).Warn("closing state backend")
		}
	}()

	handler := httpapi.NewServer(httpapi.Backend{
		Engine:   a.Engine,
		Git:      a.Git,
		Registry: a.Registry,
		Events:   hub,
		Logger:   logger,
	}, httpapi.ServerConfig{
		Token:           cfg.API.Token,
		RateLimitMax:    cfg.API.RateLimitMax,
		RateLimitWindow: cfg.API.RateLimitWindow,
		MaxBodyBytes:    cfg.API.MaxBodyBytes,
		Version:         version,
	})
	srv := &http.Server{
		Handler: handler,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.WithFields(logrus.Fields{
		"addr":      ln.Addr().String(),
		"state_dir": cfg.State.Dir,
		"auth":      cfg.API.Token != "",
	}).Info("tsctl-api listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
