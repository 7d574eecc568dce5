package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bcdannyboy/dpricer/config"
	"github.com/bcdannyboy/dpricer/logging"
	"github.com/bcdannyboy/dpricer/metrics"
	"github.com/bcdannyboy/dpricer/progress"
	"github.com/bcdannyboy/dpricer/xerrors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const cpuInterval = 30 * time.Second

func main() {
	flags := config.Flags()
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: dpricer <%s> [flags]\n\n", strings.Join(config.Modes, "|"))
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	settings, err := config.Load(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flags.Usage()
		os.Exit(exitCode(err))
	}

	logger, err := logging.New(settings.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, settings, logger); err != nil {
		entry := logger.WithError(err)
		var e *xerrors.Error
		if errors.As(err, &e) {
			entry = entry.WithFields(logrus.Fields{"kind": e.Kind, "op": e.Op})
			if e.Field != "" {
				entry = entry.WithField("field", e.Field)
			}
			if e.Rank != xerrors.NoRank {
				entry = entry.WithField("peer", e.Rank)
			}
		}
		entry.Error("run failed")
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindConfiguration:
		return 2
	case xerrors.KindCommunication:
		return 3
	case xerrors.KindNumerical:
		return 4
	}
	return 1
}

// app is what every mode shares once the settings are resolved.
type app struct {
	settings *config.Settings
	logger   *logrus.Logger
	log      *logrus.Entry
	metrics  *metrics.Collectors
}

func run(ctx context.Context, s *config.Settings, logger *logrus.Logger) error {
	if s.RunID == "" {
		if s.Transport == "nats" {
			return xerrors.Configuration("run", "run_id", "every rank of a nats run needs the same run id")
		}
		s.RunID = uuid.NewString()
	}
	rank := 0
	if s.Transport == "nats" {
		rank = s.Rank
	}

	a := &app{
		settings: s,
		logger:   logger,
		log:      logging.ForRun(logger, s.RunID, rank, s.Mode),
		metrics:  metrics.New(),
	}

	if s.MetricsAddr != "" {
		go func() {
			if err := a.metrics.Serve(ctx, s.MetricsAddr, a.log); err != nil {
				a.log.WithError(err).Error("metrics server stopped")
			}
		}()
	}
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		go progress.MonitorCPU(ctx, a.log, cpuInterval)
	}

	a.log.WithField("transport", s.Transport).Info("starting")
	switch s.Mode {
	case "price", "price-at":
		return a.price(ctx)
	case "delta":
		return a.delta()
	case "hedge":
		return a.hedge()
	case "calibrate":
		return a.calibrate(ctx)
	case "worker":
		return a.worker(ctx)
	}
	return xerrors.Configuration("run", "mode", "unknown mode %q", s.Mode)
}
