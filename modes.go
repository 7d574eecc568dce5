package main

import (
	"context"
	"os"
	"time"

	"github.com/bcdannyboy/dpricer/cluster"
	"github.com/bcdannyboy/dpricer/config"
	"github.com/bcdannyboy/dpricer/coordinator"
	"github.com/bcdannyboy/dpricer/logging"
	"github.com/bcdannyboy/dpricer/models"
	"github.com/bcdannyboy/dpricer/montecarlo"
	"github.com/bcdannyboy/dpricer/payoff"
	"github.com/bcdannyboy/dpricer/positions"
	"github.com/bcdannyboy/dpricer/probability"
	"github.com/bcdannyboy/dpricer/progress"
	"github.com/bcdannyboy/dpricer/report"
	"github.com/bcdannyboy/dpricer/tradier"
	"github.com/bcdannyboy/dpricer/xerrors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

const (
	// marketStream is the stream the hedging market path is drawn from. It
	// never collides with a rank's stream.
	marketStream = -1

	calibratedFile = "calibrated.yaml"
	dateLayout     = "2006-01-02"
)

func (a *app) problem() (*config.Problem, error) {
	if a.settings.Params == "" {
		return nil, xerrors.Configuration("run", "params", "a parameter file is required")
	}
	p, err := config.LoadParams(a.settings.Params)
	if err != nil {
		return nil, err
	}
	return p.Problem()
}

func (a *app) params(pr *config.Problem, seed uint64) coordinator.Params {
	return coordinator.Params{Model: pr.Model, Product: pr.Product, Seed: seed, FdStep: pr.FdStep}
}

func (a *app) options(rank int, engine ...montecarlo.EngineOption) []coordinator.Option {
	s := a.settings
	return []coordinator.Option{
		coordinator.WithLogger(logging.ForRun(a.logger, s.RunID, rank, "coordinator")),
		coordinator.WithCollectTimeout(s.CollectTimeout),
		coordinator.WithIdleTimeout(s.IdleTimeout),
		coordinator.WithMetrics(a.metrics),
		coordinator.WithEngineOptions(engine...),
	}
}

func (a *app) bar(name string, total int64) *progress.Bar {
	if !a.settings.Progress {
		return nil
	}
	return progress.New(name, total, os.Stderr)
}

func (a *app) newReport(pr *config.Problem, t float64) *report.Report {
	return &report.Report{
		RunID:   a.settings.RunID,
		Mode:    a.settings.Mode,
		Ranks:   1,
		Product: pr.Product.Kind,
		Assets:  pr.Model.Size,
		Time:    t,
		Started: time.Now(),
		Parameters: map[string]any{
			"spot":        pr.Model.Spot,
			"volatility":  pr.Model.Volatility,
			"rate":        pr.Model.Rate,
			"correlation": pr.Model.Correlation,
			"strike":      pr.Product.Strike,
			"maturity":    pr.Product.Maturity,
			"timesteps":   pr.Product.TimeSteps,
			"weights":     pr.Product.Weights,
			"samples":     pr.Samples,
			"seed":        a.settings.Seed,
		},
	}
}

// reference is the closed form of a one-asset call or put with a positive
// weight: (wS - K)+ is w times a call struck at K/w.
func reference(pr *config.Problem) *report.Reference {
	m, spec := pr.Model, pr.Product
	if m.Size != 1 || !(spec.Weights[0] > 0) {
		return nil
	}
	var isCall bool
	switch spec.Kind {
	case payoff.KindBasket:
		isCall = true
	case payoff.KindPut:
	default:
		return nil
	}
	w := spec.Weights[0]
	bs := positions.CalculateBSM(m.Spot[0], spec.Strike/w, spec.Maturity, m.Rate, m.Volatility[0], isCall)
	return &report.Reference{Price: w * bs.Price, Delta: w * bs.Delta}
}

// resumeSeed moves a resumed run onto streams the checkpointed rounds did
// not draw from.
func resumeSeed(seed uint64, rounds uint64) uint64 {
	if rounds == 0 {
		return seed
	}
	return models.SeedForRank(seed, -1-int(rounds))
}

// resume loads the prior accumulator of a checkpoint written by the same
// mode for the same problem at the same time.
func (a *app) resume(t float64, problem string) (montecarlo.Accumulator, uint64, error) {
	s := a.settings
	if s.Resume == "" {
		return montecarlo.Accumulator{}, 0, nil
	}
	c, err := report.LoadCheckpoint(s.Resume)
	if err != nil {
		return montecarlo.Accumulator{}, 0, err
	}
	if c.Mode != s.Mode || c.Time != t {
		return montecarlo.Accumulator{}, 0, xerrors.Configuration("resume", "resume",
			"checkpoint was written by %s at t=%g, this run is %s at t=%g", c.Mode, c.Time, s.Mode, t)
	}
	if c.Problem != problem {
		return montecarlo.Accumulator{}, 0, xerrors.Configuration("resume", "resume",
			"checkpoint was written for problem %q, this run prices %q", c.Problem, problem)
	}
	a.log.WithFields(logrus.Fields{
		"from_run": c.RunID,
		"rounds":   c.Rounds,
		"trials":   c.Accumulator.Count,
	}).Info("resuming from checkpoint")
	return c.Accumulator, c.Rounds, nil
}

// price runs the price and price-at modes across every rank.
func (a *app) price(ctx context.Context) error {
	s := a.settings
	pr, err := a.problem()
	if err != nil {
		return err
	}

	var past *mat.Dense
	t := 0.0
	if s.Mode == "price-at" {
		if pr.Past == nil {
			return xerrors.Configuration("price", "past", "price-at needs the observed past")
		}
		past, t = pr.Past, pr.ObservationTime
	}

	fingerprint := coordinator.Fingerprint(a.params(pr, s.Seed))
	prior, rounds, err := a.resume(t, fingerprint)
	if err != nil {
		return err
	}
	params := a.params(pr, resumeSeed(s.Seed, rounds))
	rep := a.newReport(pr, t)

	maxTrials := s.MaxTrials
	if maxTrials == 0 && !(s.TargetWidth > 0) {
		maxTrials = int64(pr.Samples)
	}

	master := func(ctx context.Context, cc *cluster.Context) error {
		batchShare := coordinator.Shares(s.Batch, cc.Size())[0]
		expected := batchShare
		if maxTrials > prior.Count {
			expected = coordinator.Shares(maxTrials-prior.Count, cc.Size())[0]
		}
		bar := a.bar("trials", expected)

		m, err := coordinator.NewMaster(cc, params, a.options(0, montecarlo.WithProgress(bar.Add))...)
		if err != nil {
			return err
		}
		if err := m.Start(ctx); err != nil {
			return err
		}

		target := coordinator.Target{
			Batch:     s.Batch,
			MaxTrials: maxTrials,
			HalfWidth: s.TargetWidth,
			OnRound: func(acc montecarlo.Accumulator) error {
				rounds++
				if maxTrials == 0 {
					bar.Grow(batchShare)
				}
				if s.Checkpoint == "" {
					return nil
				}
				return report.SaveCheckpoint(s.Checkpoint, report.Checkpoint{
					RunID:       s.RunID,
					Mode:        s.Mode,
					Time:        t,
					Problem:     fingerprint,
					Rounds:      rounds,
					Accumulator: acc,
				})
			},
		}
		acc, err := m.PriceToPrecision(ctx, past, t, target, prior)
		bar.Wait()
		if err != nil {
			return err
		}

		est, err := m.Estimate(acc, t)
		if err != nil {
			return err
		}
		rep.Ranks = cc.Size()
		rep.SetEstimate(est)
		if t == 0 {
			rep.Reference = reference(pr)
		}
		a.log.WithFields(logrus.Fields{
			"price":      est.Price,
			"half_width": est.HalfWidth,
			"trials":     est.Trials,
			"rounds":     rounds,
		}).Info("priced")
		return m.Stop(ctx)
	}

	switch s.Transport {
	case "nats":
		if s.Rank != 0 {
			return xerrors.Configuration("price", "rank", "rank %d must run the worker mode", s.Rank)
		}
		cc, err := a.dial(0)
		if err != nil {
			return err
		}
		defer cc.Close()
		err = master(ctx, cc)
		if err != nil {
			return err
		}
	default:
		ranks := s.Ranks
		if ranks == 0 {
			ranks = progress.Workers()
		}
		err = cluster.RunLocal(ctx, ranks, func(ctx context.Context, cc *cluster.Context) error {
			if cc.IsMaster() {
				return master(ctx, cc)
			}
			w, err := coordinator.NewWorker(cc, a.options(cc.Rank())...)
			if err != nil {
				return err
			}
			return w.Serve(ctx)
		})
		if err != nil {
			return err
		}
	}

	rep.Finish()
	return rep.Write(s.Output)
}

func (a *app) dial(rank int) (*cluster.Context, error) {
	s := a.settings
	if s.Ranks < 1 || rank >= s.Ranks {
		return nil, xerrors.Configuration("cluster", "ranks", "rank %d outside a run of %d ranks", rank, s.Ranks)
	}
	tr, err := cluster.DialNATS(cluster.NATSConfig{URL: s.NATSURL, RunID: s.RunID, Log: a.log}, rank)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindCommunication, "cluster", "connecting to "+s.NATSURL)
	}
	cc, err := cluster.NewContext(rank, s.Ranks, tr)
	if err != nil {
		tr.Close()
		return nil, err
	}
	return cc, nil
}

// worker serves one rank of a nats run until the master stops it.
func (a *app) worker(ctx context.Context) error {
	s := a.settings
	if s.Transport != "nats" {
		return xerrors.Configuration("worker", "transport", "worker mode joins a nats run, local runs start their own workers")
	}
	if s.Rank < 1 {
		return xerrors.Configuration("worker", "rank", "workers run on rank 1 or above, got %d", s.Rank)
	}
	cc, err := a.dial(s.Rank)
	if err != nil {
		return err
	}
	defer cc.Close()

	w, err := coordinator.NewWorker(cc, a.options(s.Rank)...)
	if err != nil {
		return err
	}
	if err := w.Serve(ctx); err != nil {
		return err
	}
	a.log.Info("worker stopped")
	return nil
}

func (a *app) delta() error {
	s := a.settings
	pr, err := a.problem()
	if err != nil {
		return err
	}
	scheme := montecarlo.ForwardDifference
	if s.Scheme == "central" {
		scheme = montecarlo.CentralDifference
	}

	bar := a.bar("delta", int64(pr.Samples))
	e, err := coordinator.NewEngine(a.params(pr, s.Seed), 0,
		montecarlo.WithSamples(pr.Samples),
		montecarlo.WithScheme(scheme),
		montecarlo.WithProgress(bar.Add))
	if err != nil {
		return err
	}

	var past mat.Matrix
	if pr.Past != nil {
		past = pr.Past
	}
	d, err := e.Delta(past, pr.ObservationTime)
	bar.Wait()
	if err != nil {
		return err
	}

	rep := a.newReport(pr, pr.ObservationTime)
	rep.Delta = &d
	if pr.ObservationTime == 0 {
		rep.Reference = reference(pr)
	}
	a.log.WithFields(logrus.Fields{"delta": d.Delta, "scheme": scheme}).Info("delta estimated")
	rep.Finish()
	return rep.Write(s.Output)
}

// hedge replays the delta hedge on simulated markets and summarises its P&L.
func (a *app) hedge() error {
	s := a.settings
	pr, err := a.problem()
	if err != nil {
		return err
	}
	e, err := coordinator.NewEngine(a.params(pr, s.Seed), 0, montecarlo.WithSamples(pr.Samples))
	if err != nil {
		return err
	}
	market := models.NewRandSource(models.SeedForRank(s.Seed, marketStream))
	h, err := positions.NewHedger(e, pr.HedgingDates, market)
	if err != nil {
		return err
	}

	bar := a.bar("scenarios", int64(s.Scenarios))
	pnls, err := h.Scenarios(s.Scenarios, func(int) { bar.Add(1) })
	bar.Wait()
	if err != nil {
		return err
	}
	summary, err := probability.Summarize(pnls, s.VaRConfidence)
	if err != nil {
		return err
	}

	rep := a.newReport(pr, 0)
	rep.Hedge = &summary
	rep.Reference = reference(pr)
	a.log.WithFields(logrus.Fields{
		"mean":  summary.Mean,
		"std":   summary.StdDev,
		"var":   summary.VaR,
		"dates": pr.HedgingDates,
	}).Info("hedge simulated")
	rep.Finish()
	return rep.Write(s.Output)
}

// calibrate fits model parameters to the daily history of each symbol and
// writes them as a parameter file.
func (a *app) calibrate(ctx context.Context) error {
	s := a.settings
	if len(s.Symbols) == 0 {
		return xerrors.Configuration("calibrate", "symbols", "at least one symbol is required")
	}
	key := os.Getenv("TRADIER_KEY")
	if key == "" {
		return xerrors.Configuration("calibrate", "TRADIER_KEY", "not set")
	}
	client := tradier.NewClient(key)

	end := time.Now()
	// calendar days spanning the requested trading days, plus a margin for holidays
	start := end.AddDate(0, 0, -(s.HistoryDays*365/models.TradingDays + 10))

	histories := make([]tradier.QuoteHistory, len(s.Symbols))
	g, gctx := errgroup.WithContext(ctx)
	for i, symbol := range s.Symbols {
		g.Go(func() error {
			q, err := client.GetQuotes(gctx, symbol, start.Format(dateLayout), end.Format(dateLayout), "daily")
			if err != nil {
				return xerrors.Wrap(err, xerrors.KindCommunication, "calibrate", "fetching "+symbol)
			}
			if days := q.History.Day; len(days) > s.HistoryDays+1 {
				q.History.Day = days[len(days)-s.HistoryDays-1:]
			}
			histories[i] = *q
			a.log.WithFields(logrus.Fields{"symbol": symbol, "bars": len(q.History.Day)}).Debug("history fetched")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	est, err := models.EstimateParameters(histories)
	if err != nil {
		return err
	}
	p := est.Parameters(s.Rate)
	if err := p.Validate(); err != nil {
		return err
	}

	v := viper.New()
	v.Set("symbols", s.Symbols)
	v.Set("option_size", p.Size)
	v.Set("spot", p.Spot)
	v.Set("volatility", p.Volatility)
	v.Set("trend", p.Trend)
	v.Set("correlation", p.Correlation)
	v.Set("interest_rate", p.Rate)

	out := s.Output
	if out == "" {
		out = calibratedFile
	}
	if err := v.WriteConfigAs(out); err != nil {
		return xerrors.Configuration("calibrate", "output", "writing %s: %v", out, err)
	}
	a.log.WithFields(logrus.Fields{
		"symbols":      s.Symbols,
		"observations": est.Observations,
		"correlation":  est.Correlation,
		"garman_klass": est.GarmanKlass,
		"parkinson":    est.Parkinson,
		"rogers":       est.RogersSatchell,
		"garch":        est.GARCH,
		"file":         out,
	}).Info("parameters calibrated")
	return nil
}
