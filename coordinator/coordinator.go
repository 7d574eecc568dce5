package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bcdannyboy/dpricer/cluster"
	"github.com/bcdannyboy/dpricer/metrics"
	"github.com/bcdannyboy/dpricer/models"
	"github.com/bcdannyboy/dpricer/montecarlo"
	"github.com/bcdannyboy/dpricer/payoff"
	"github.com/bcdannyboy/dpricer/xerrors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

const (
	DefaultCollectTimeout = 10 * time.Minute
	DefaultHelloInterval  = time.Second
	DefaultIdleTimeout    = 30 * time.Minute

	// abortGrace bounds the best-effort Abort sent after a failure.
	abortGrace = 5 * time.Second
)

type settings struct {
	collectTimeout time.Duration
	helloInterval  time.Duration
	idleTimeout    time.Duration
	log            *logrus.Entry
	metrics        *metrics.Collectors
	engineOpts     []montecarlo.EngineOption
}

type Option func(*settings)

// WithCollectTimeout bounds the join barrier and each round's collection on
// the master, and a worker's wait for its parameters.
func WithCollectTimeout(d time.Duration) Option {
	return func(s *settings) { s.collectTimeout = d }
}

// WithHelloInterval sets how often a worker repeats its Hello until the
// parameters arrive.
func WithHelloInterval(d time.Duration) Option {
	return func(s *settings) { s.helloInterval = d }
}

// WithIdleTimeout bounds how long a worker waits between tasks.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *settings) { s.idleTimeout = d }
}

func WithLogger(log *logrus.Entry) Option {
	return func(s *settings) { s.log = log }
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(s *settings) { s.metrics = m }
}

// WithEngineOptions are applied when building the rank's engine, after the
// finite difference step taken from Params.
func WithEngineOptions(opts ...montecarlo.EngineOption) Option {
	return func(s *settings) { s.engineOpts = append(s.engineOpts, opts...) }
}

func newSettings(rank int, opts []Option) settings {
	s := settings{
		collectTimeout: DefaultCollectTimeout,
		helloInterval:  DefaultHelloInterval,
		idleTimeout:    DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	s.log = s.log.WithField("rank", rank)
	return s
}

func (s settings) bounded(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// NewEngine builds the engine a rank prices with. Every rank derives its own
// stream from the shared seed.
func NewEngine(p Params, rank int, opts ...montecarlo.EngineOption) (*montecarlo.Engine, error) {
	model, err := models.NewBlackScholes(p.Model)
	if err != nil {
		return nil, err
	}
	option, err := payoff.New(p.Product)
	if err != nil {
		return nil, err
	}
	src := models.NewRandSource(models.SeedForRank(p.Seed, rank))

	all := make([]montecarlo.EngineOption, 0, len(opts)+1)
	if p.FdStep > 0 {
		all = append(all, montecarlo.WithFdStep(p.FdStep))
	}
	all = append(all, opts...)
	return montecarlo.New(model, option, src, all...)
}

func simulate(e *montecarlo.Engine, past *mat.Dense, t float64, trials int64) (montecarlo.Accumulator, error) {
	if past == nil {
		if t != 0 {
			return montecarlo.Accumulator{}, xerrors.Numerical("simulate", "a past is required at t=%g", t)
		}
		return e.Simulate(int(trials))
	}
	return e.SimulateFrom(past, t, int(trials))
}

// withRank fills in the sender of a decode failure.
func withRank(err error, rank int) error {
	var e *xerrors.Error
	if errors.As(err, &e) && e.Rank == xerrors.NoRank {
		c := *e
		c.Rank = rank
		return &c
	}
	return err
}

// Master drives a run from rank 0: it waits for every worker, broadcasts
// the parameters, splits each round's trials and merges the results.
type Master struct {
	settings
	cc      *cluster.Context
	params  Params
	engine  *montecarlo.Engine
	round   uint64
	started bool
	aborted bool
}

func NewMaster(cc *cluster.Context, p Params, opts ...Option) (*Master, error) {
	if !cc.IsMaster() {
		return nil, xerrors.Configuration("master", "cluster.rank", "the master runs on rank 0, not %d", cc.Rank())
	}
	s := newSettings(0, opts)
	engine, err := NewEngine(p, 0, s.engineOpts...)
	if err != nil {
		return nil, err
	}
	return &Master{settings: s, cc: cc, params: p, engine: engine}, nil
}

// Engine is the master's own engine, used for its share of every round.
func (m *Master) Engine() *montecarlo.Engine { return m.engine }

// Start waits for a Hello from every worker, then broadcasts the parameters.
func (m *Master) Start(ctx context.Context) error {
	if m.started {
		return nil
	}
	workers := m.cc.Size() - 1
	if workers == 0 {
		m.started = true
		return nil
	}

	wctx, cancel := m.bounded(ctx, m.collectTimeout)
	defer cancel()

	joined := make(map[int]bool, workers)
	for len(joined) < workers {
		env, err := m.cc.Recv(wctx)
		if err != nil {
			return m.fail(xerrors.Wrap(err, xerrors.KindCommunication, "start",
				fmt.Sprintf("%d of %d workers joined", len(joined), workers)))
		}
		msg, err := Decode(env.Payload)
		if err != nil {
			return m.fail(withRank(err, env.From))
		}
		switch msg.Kind {
		case KindHello:
			if !joined[env.From] {
				m.log.WithField("worker", env.From).Debug("worker joined")
			}
			joined[env.From] = true
		case KindAbort:
			return m.fail(xerrors.Communication("start", env.From, nil, "worker aborted: %s", msg.Abort.Reason))
		default:
			m.log.WithFields(logrus.Fields{"worker": env.From, "kind": msg.Kind}).Warn("ignoring message before start")
		}
	}

	if err := m.cc.Broadcast(wctx, EncodeParams(m.params)); err != nil {
		return m.fail(err)
	}
	m.started = true
	m.log.WithField("workers", workers).Info("parameters broadcast")
	return nil
}

// Price runs one round of trials at time 0 and merges it into prior.
func (m *Master) Price(ctx context.Context, trials int64, prior montecarlo.Accumulator) (montecarlo.Accumulator, error) {
	return m.runRound(ctx, nil, 0, trials, prior)
}

// PriceAt runs one round of trials continuing past from t and merges it into prior.
func (m *Master) PriceAt(ctx context.Context, past *mat.Dense, t float64, trials int64, prior montecarlo.Accumulator) (montecarlo.Accumulator, error) {
	if past == nil {
		return prior, xerrors.Numerical("price", "a past is required at t=%g", t)
	}
	return m.runRound(ctx, past, t, trials, prior)
}

// Target describes when PriceToPrecision may stop. OnRound, when set, is
// called with the merged accumulator after every round.
type Target struct {
	Batch     int64
	MaxTrials int64
	HalfWidth float64
	OnRound   func(acc montecarlo.Accumulator) error
}

// PriceToPrecision runs rounds of Batch trials at t until the half-width
// is at most HalfWidth or MaxTrials have been accumulated, prior included.
// A zero MaxTrials means no limit. A nil past prices at time 0.
func (m *Master) PriceToPrecision(ctx context.Context, past *mat.Dense, t float64, target Target, prior montecarlo.Accumulator) (montecarlo.Accumulator, error) {
	if target.Batch < 1 {
		return prior, xerrors.Configuration("precision", "batch", "batch must be positive, got %d", target.Batch)
	}
	if !(target.HalfWidth > 0) && target.MaxTrials <= 0 {
		return prior, xerrors.Configuration("precision", "target_width", "need a positive width or a trial limit")
	}

	df := m.engine.Discount(t)
	acc := prior
	for {
		if target.HalfWidth > 0 && acc.Count > 0 && acc.HalfWidth(df) <= target.HalfWidth {
			return acc, nil
		}
		n := target.Batch
		if target.MaxTrials > 0 {
			if acc.Count >= target.MaxTrials {
				return acc, nil
			}
			if rest := target.MaxTrials - acc.Count; n > rest {
				n = rest
			}
		}

		var err error
		if past == nil {
			acc, err = m.Price(ctx, n, acc)
		} else {
			acc, err = m.PriceAt(ctx, past, t, n, acc)
		}
		if err != nil {
			return acc, err
		}
		if target.OnRound != nil {
			if err := target.OnRound(acc); err != nil {
				return acc, err
			}
		}
	}
}

// Estimate discounts a merged accumulator to t.
func (m *Master) Estimate(acc montecarlo.Accumulator, t float64) (montecarlo.PriceEstimate, error) {
	return m.engine.Estimate(acc, t)
}

func (m *Master) runRound(ctx context.Context, past *mat.Dense, t float64, trials int64, prior montecarlo.Accumulator) (montecarlo.Accumulator, error) {
	if m.aborted {
		return prior, xerrors.Communication("price", xerrors.NoRank, nil, "run was aborted")
	}
	if !m.started {
		return prior, xerrors.Communication("price", xerrors.NoRank, nil, "Start has not completed")
	}
	if trials < 1 {
		return prior, xerrors.Numerical("price", "need at least one trial, got %d", trials)
	}

	size := m.cc.Size()
	shares := Shares(trials, size)
	if shares[0] > MaxTaskTrials {
		return prior, xerrors.Configuration("price", "batch", "a round of %d trials gives rank 0 %d, above %d", trials, shares[0], MaxTaskTrials)
	}
	m.round++
	round := m.round
	log := m.log.WithFields(logrus.Fields{"round": round, "trials": trials, "t": t})
	begin := time.Now()

	wctx, cancel := m.bounded(ctx, m.collectTimeout)
	defer cancel()

	for r := 1; r < size; r++ {
		task := Task{Round: round, Trials: shares[r], Time: t, Past: past}
		if err := m.cc.Send(wctx, r, EncodeTask(task)); err != nil {
			return prior, m.fail(err)
		}
	}

	own, err := simulate(m.engine, past, t, shares[0])
	if err != nil {
		return prior, m.fail(err)
	}
	m.metrics.ObserveTrials(0, own.Count)

	results := make([]*montecarlo.Accumulator, size)
	results[0] = &own
	for received := 1; received < size; {
		env, err := m.cc.Recv(wctx)
		if err != nil {
			return prior, m.fail(xerrors.Wrap(err, xerrors.KindCommunication, "collect",
				fmt.Sprintf("round %d: %d of %d results", round, received-1, size-1)))
		}
		msg, err := Decode(env.Payload)
		if err != nil {
			return prior, m.fail(withRank(err, env.From))
		}

		switch msg.Kind {
		case KindResult:
			res := msg.Result
			if res.Round < round {
				log.WithFields(logrus.Fields{"worker": env.From, "stale": res.Round}).Warn("ignoring stale result")
				continue
			}
			if res.Round > round {
				return prior, m.fail(xerrors.Communication("collect", env.From, nil, "result for round %d during round %d", res.Round, round))
			}
			if results[env.From] != nil {
				return prior, m.fail(xerrors.Communication("collect", env.From, nil, "duplicate result for round %d", round))
			}
			if res.Count != shares[env.From] {
				return prior, m.fail(xerrors.Communication("collect", env.From, nil, "returned %d trials, was asked for %d", res.Count, shares[env.From]))
			}
			results[env.From] = &montecarlo.Accumulator{Sum: res.Sum, SumSquare: res.SumSquare, Count: res.Count}
			m.metrics.ObserveTrials(env.From, res.Count)
			received++
		case KindAbort:
			return prior, m.fail(xerrors.Communication("collect", env.From, nil, "worker aborted: %s", msg.Abort.Reason))
		case KindHello:
			// repeated Hellos from the join barrier
		default:
			return prior, m.fail(xerrors.Communication("collect", env.From, nil, "unexpected %s message", msg.Kind))
		}
	}

	// merge in rank order so a run is reproducible bit for bit
	total := prior
	for _, r := range results {
		total.Merge(*r)
	}

	if est, err := m.engine.Estimate(total, t); err == nil {
		m.metrics.ObserveRound(time.Since(begin), est.Price, est.HalfWidth)
		log.WithFields(logrus.Fields{
			"price":      est.Price,
			"half_width": est.HalfWidth,
			"total":      total.Count,
			"elapsed":    time.Since(begin).String(),
		}).Info("round merged")
	}
	return total, nil
}

// Stop tells every worker the run is over.
func (m *Master) Stop(ctx context.Context) error {
	if m.cc.Size() == 1 || m.aborted {
		return nil
	}
	wctx, cancel := m.bounded(ctx, m.collectTimeout)
	defer cancel()
	return m.cc.Broadcast(wctx, EncodeStop())
}

// Abort tells every worker to give up. Delivery is best effort.
func (m *Master) Abort(ctx context.Context, reason string) error {
	m.aborted = true
	m.metrics.ObserveAbort()
	if m.cc.Size() == 1 {
		return nil
	}
	return m.cc.Broadcast(ctx, EncodeAbort(reason))
}

func (m *Master) fail(err error) error {
	if m.aborted {
		return err
	}
	m.log.WithError(err).Error("aborting run")
	ctx, cancel := context.WithTimeout(context.Background(), abortGrace)
	defer cancel()
	if aerr := m.Abort(ctx, err.Error()); aerr != nil {
		m.log.WithError(aerr).Warn("abort not delivered to every worker")
	}
	return err
}

// Worker serves tasks from the master on ranks 1 and above.
type Worker struct {
	settings
	cc *cluster.Context
}

func NewWorker(cc *cluster.Context, opts ...Option) (*Worker, error) {
	if cc.IsMaster() {
		return nil, xerrors.Configuration("worker", "cluster.rank", "rank 0 is the master")
	}
	s := newSettings(cc.Rank(), opts)
	if !(s.helloInterval > 0) {
		return nil, xerrors.Configuration("worker", "hello_interval", "hello interval must be positive")
	}
	return &Worker{settings: s, cc: cc}, nil
}

// Serve joins the run and answers tasks until the master sends Stop. An
// Abort from the master, a malformed message or a local failure ends the
// run with an error; local failures are reported to the master first.
func (w *Worker) Serve(ctx context.Context) error {
	params, err := w.join(ctx)
	if err != nil {
		return err
	}

	engine, err := NewEngine(*params, w.cc.Rank(), w.engineOpts...)
	if err != nil {
		w.abort(err)
		return err
	}
	w.log.WithFields(logrus.Fields{
		"assets":  params.Model.Size,
		"product": params.Product.Kind,
	}).Info("engine ready")

	for {
		rctx, cancel := w.bounded(ctx, w.idleTimeout)
		env, err := w.cc.Recv(rctx)
		cancel()
		if err != nil {
			return xerrors.Wrap(err, xerrors.KindCommunication, "serve", "waiting for a task")
		}
		if env.From != 0 {
			w.log.WithField("from", env.From).Warn("ignoring message from a peer worker")
			continue
		}

		msg, err := Decode(env.Payload)
		if err != nil {
			err = withRank(err, 0)
			w.abort(err)
			return err
		}

		switch msg.Kind {
		case KindTask:
			if err := w.run(ctx, engine, msg.Task); err != nil {
				return err
			}
		case KindStop:
			w.log.Info("stopped by master")
			return nil
		case KindAbort:
			return xerrors.Communication("serve", 0, nil, "aborted by master: %s", msg.Abort.Reason)
		case KindParams:
			// a repeated broadcast after a late Hello
		default:
			w.log.WithField("kind", msg.Kind).Warn("ignoring unexpected message")
		}
	}
}

func (w *Worker) run(ctx context.Context, engine *montecarlo.Engine, task *Task) error {
	log := w.log.WithFields(logrus.Fields{"round": task.Round, "trials": task.Trials})
	acc, err := simulate(engine, task.Past, task.Time, task.Trials)
	if err != nil {
		w.abort(err)
		return err
	}
	w.metrics.ObserveTrials(w.cc.Rank(), acc.Count)

	sctx, cancel := w.bounded(ctx, w.collectTimeout)
	defer cancel()
	res := Result{Round: task.Round, Sum: acc.Sum, SumSquare: acc.SumSquare, Count: acc.Count}
	if err := w.cc.Send(sctx, 0, EncodeResult(res)); err != nil {
		return err
	}
	log.Debug("result sent")
	return nil
}

// join repeats Hello until the master answers with Params.
func (w *Worker) join(ctx context.Context) (*Params, error) {
	jctx, cancel := w.bounded(ctx, w.collectTimeout)
	defer cancel()

	hello := EncodeHello()
	for {
		if err := w.cc.Send(jctx, 0, hello); err != nil {
			return nil, err
		}
		rctx, rcancel := context.WithTimeout(jctx, w.helloInterval)
		env, err := w.cc.Recv(rctx)
		rcancel()
		if err != nil {
			if jctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return nil, xerrors.Wrap(err, xerrors.KindCommunication, "join", "no parameters from the master")
		}
		if env.From != 0 {
			continue
		}

		msg, err := Decode(env.Payload)
		if err != nil {
			err = withRank(err, 0)
			w.abort(err)
			return nil, err
		}
		switch msg.Kind {
		case KindParams:
			w.log.Debug("parameters received")
			return msg.Params, nil
		case KindAbort:
			return nil, xerrors.Communication("join", 0, nil, "aborted by master: %s", msg.Abort.Reason)
		}
	}
}

func (w *Worker) abort(cause error) {
	w.log.WithError(cause).Error("reporting failure to master")
	w.metrics.ObserveAbort()
	ctx, cancel := context.WithTimeout(context.Background(), abortGrace)
	defer cancel()
	if err := w.cc.Send(ctx, 0, EncodeAbort(cause.Error())); err != nil {
		w.log.WithError(err).Warn("abort not delivered")
	}
}
