package app

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/emmeowzing/threatstack-rule-manager/internal/config"
	"github.com/emmeowzing/threatstack-rule-manager/internal/reconcile"
	"github.com/emmeowzing/threatstack-rule-manager/internal/remote"
	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
	"github.com/emmeowzing/threatstack-rule-manager/internal/vcs"
)

type Options struct {
	Logger  logrus.FieldLogger
	OnEvent func(reconcile.Event)
	// Client replaces the HTTP client built from the remote.* settings.
	Client remote.Client
	// DisableGit skips the git working copy even when git is installed.
	DisableGit bool
}

// App is a fully wired engine for one state root, shared by the CLI and the
// HTTP front-end.
type App struct {
	Config   config.Config
	Engine   *reconcile.Engine
	Git      *vcs.Git
	Registry *prometheus.Registry
	Logger   logrus.FieldLogger

	backend rulestate.Backend
}

func Open(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
		return nil, err
	}
	tree, err := rulestate.NewTree(cfg.State.Dir)
	if err != nil {
		return nil, err
	}
	dsn, err := cfg.LedgerDSN()
	if err != nil {
		return nil, err
	}
	backend, err := rulestate.BuildBackendFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	ledger, err := rulestate.NewLedger(backend)
	if err != nil {
		_ = rulestate.CloseBackend(backend)
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := reconcile.NewMetrics(registry)

	client := opts.Client
	if client == nil {
		httpClient := remote.NewHTTPClient(cfg.Remote.BaseURL, remote.Credentials{
			UserID: cfg.Remote.UserID,
			APIKey: cfg.Remote.APIKey,
		}, &http.Client{Timeout: cfg.Remote.Timeout})
		client = remote.Throttle(httpClient, remote.NewRateGate(cfg.Remote.RateLimit), remote.ThrottleOptions{
			MaxRetries: cfg.Remote.MaxRetries,
			Logger:     logger,
			Observe:    metrics.ObserveRemote,
		})
	}

	a := &App{Config: cfg, Registry: registry, Logger: logger, backend: backend}
	var committer reconcile.Committer
	if !opts.DisableGit {
		a.Git = openGit(ctx, cfg.State.Dir, logger)
		if a.Git != nil {
			committer = a.Git
		}
	}

	engine, err := reconcile.New(reconcile.Options{
		Tree:    tree,
		Ledger:  ledger,
		Client:  client,
		VCS:     committer,
		Workers: cfg.Workers,
		Logger:  logger,
		Metrics: metrics,
		OnEvent: opts.OnEvent,
	})
	if err != nil {
		_ = rulestate.CloseBackend(backend)
		return nil, err
	}
	a.Engine = engine
	return a, nil
}

func openGit(ctx context.Context, dir string, logger logrus.FieldLogger) *vcs.Git {
	if _, err := exec.LookPath("git"); err != nil {
		logger.Debug("git not found, pushes will not be committed")
		return nil
	}
	git, err := vcs.NewGit(dir, 30*time.Second)
	if err != nil {
		logger.WithError(err).Warn("cannot use state directory as a git working copy")
		return nil
	}
	if err := git.Init(ctx); err != nil {
		logger.WithError(err).Warn("git init failed, pushes will not be committed")
		return nil
	}
	return git
}

func (a *App) Close() error {
	return rulestate.CloseBackend(a.backend)
}
