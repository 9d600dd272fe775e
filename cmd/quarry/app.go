package main

import (
	"context"
	"errors"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/quarry/pkg/budget"
	"github.com/odvcencio/quarry/pkg/bus"
	"github.com/odvcencio/quarry/pkg/config"
	qerrors "github.com/odvcencio/quarry/pkg/errors"
	"github.com/odvcencio/quarry/pkg/logging"
	"github.com/odvcencio/quarry/pkg/model"
	"github.com/odvcencio/quarry/pkg/telemetry"
	"github.com/odvcencio/quarry/pkg/terminal"
	"github.com/odvcencio/quarry/pkg/tool"
	"github.com/odvcencio/quarry/pkg/tools"
	"github.com/odvcencio/quarry/pkg/toolrunner"
)

// app holds the wiring shared by commands. Close releases everything that
// was opened.
type app struct {
	cfg         *config.Config
	flags       *rootFlags
	logger      *logging.Logger
	out         *terminal.Writer
	interactive bool

	closers []func() error
}

func newApp(cmd *cobra.Command, flags *rootFlags) (*app, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.LoadFromPath(flags.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, withExitCode(err, exitConfig)
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.noColor {
		terminal.DisableColor()
	}

	logger := logging.New("quarry", logging.Options{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	f, isFile := cmd.OutOrStdout().(*os.File)
	return &app{
		cfg:         cfg,
		flags:       flags,
		logger:      logger,
		out:         terminal.NewWithOutput(cmd.OutOrStdout()),
		interactive: isFile && terminal.IsInteractive(f),
	}, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close runs closers in reverse order and joins their errors.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) dataDir() string {
	return a.cfg.ResolveDir()
}

func (a *app) scratchpadDir() string {
	return filepath.Join(a.dataDir(), "scratchpad")
}

// modelClient builds the rate-limited HTTP client. An API key is required
// unless the endpoint is on the local machine.
func (a *app) modelClient() (model.Client, error) {
	p := a.cfg.Provider
	if strings.TrimSpace(p.APIKey) == "" && !isLocalEndpoint(p.BaseURL) {
		return nil, withExitCode(qerrors.New(qerrors.ErrCodeConfigInvalid,
			"no API key configured: set QUARRY_API_KEY, OPENROUTER_API_KEY or OPENAI_API_KEY"), exitConfig)
	}
	return model.NewHTTPClient(p.APIKey, p.BaseURL, model.ClientOptions{
		Timeout:    p.Timeout,
		MaxRetries: p.MaxRetries,
		Limiter:    model.NewRateLimiter(p.RequestsPerSecond, p.Burst),
	}), nil
}

func isLocalEndpoint(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (a *app) registry() (*tool.Registry, error) {
	skills, err := tools.LoadSkills(a.cfg.Tools, a.logger)
	if err != nil {
		return nil, err
	}
	return tools.NewRegistry(a.cfg.Tools, skills)
}

func (a *app) estimator() budget.Estimator {
	return budget.NewEstimator(a.cfg.Budget.Tokenizer, a.cfg.Budget.CharsPerToken)
}

func (a *app) guardConfig() toolrunner.GuardConfig {
	t := a.cfg.Tools
	return toolrunner.GuardConfig{
		Window:              t.LoopGuardWindow,
		SoftLimit:           t.SoftLimit,
		HardLimit:           t.HardLimit,
		Limits:              t,
		SimilarityThreshold: t.SimilarityThreshold,
	}
}

// events assembles the run's publisher: terminal progress unless JSON
// output is requested, the JSONL event log, and NATS forwarding when a URL
// is configured. The hub decouples slow sinks from the agent.
func (a *app) events(natsURL string) (telemetry.Publisher, error) {
	var pubs []telemetry.Publisher
	if !a.flags.jsonOutput {
		pubs = append(pubs, terminal.NewProgress(a.out, a.flags.verbose))
	}

	hub := telemetry.NewHub()
	a.onClose(func() error { hub.Close(); return nil })
	pubs = append(pubs, hub)

	if a.cfg.Telemetry.EventLog {
		eventLog, err := logging.NewEventLog(a.dataDir())
		if err != nil {
			return nil, err
		}
		ch, unsubscribe := hub.Subscribe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			eventLog.Follow(ch)
		}()
		a.onClose(func() error {
			unsubscribe()
			<-done
			return eventLog.Close()
		})
	}

	if natsURL == "" {
		natsURL = a.cfg.Telemetry.NATSURL
	}
	if natsURL != "" {
		cfg := bus.DefaultConfig()
		cfg.URL = natsURL
		nb, err := bus.NewNATSBus(cfg)
		if err != nil {
			return nil, withExitCode(err, exitConfig)
		}
		fwd := bus.NewForwarder(nb, a.cfg.Telemetry.SubjectPrefix, a.logger)
		ch, unsubscribe := hub.Subscribe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for e := range ch {
				fwd.Publish(e)
			}
		}()
		a.onClose(func() error {
			unsubscribe()
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := nb.Flush(ctx); err != nil {
				a.logger.Warn("flush event bus", "error", err)
			}
			return nb.Close()
		})
	}
	return telemetry.Multi(pubs...), nil
}

// tracing installs the stdout span exporter when enabled.
func (a *app) tracing() error {
	if !a.cfg.Telemetry.Tracing {
		return nil
	}
	tp, err := telemetry.NewTracerProvider(os.Stderr)
	if err != nil {
		return err
	}
	a.onClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	})
	return nil
}
