package coordinator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/bcdannyboy/dpricer/cluster"
	"github.com/bcdannyboy/dpricer/metrics"
	"github.com/bcdannyboy/dpricer/montecarlo"
	"github.com/bcdannyboy/dpricer/xerrors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"gonum.org/v1/gonum/mat"
)

func quietLogger() *logrus.Entry {
	log, _ := test.NewNullLogger()
	return logrus.NewEntry(log)
}

func testOptions() []Option {
	return []Option{
		WithLogger(quietLogger()),
		WithCollectTimeout(10 * time.Second),
		WithHelloInterval(50 * time.Millisecond),
		WithIdleTimeout(10 * time.Second),
	}
}

// expectedMerge replays what each rank would simulate on its own.
func expectedMerge(t *testing.T, p Params, past *mat.Dense, at float64, rounds []int64, ranks int) montecarlo.Accumulator {
	t.Helper()
	engines := make([]*montecarlo.Engine, ranks)
	for r := range engines {
		e, err := NewEngine(p, r)
		if err != nil {
			t.Fatalf("NewEngine(%d): %v", r, err)
		}
		engines[r] = e
	}
	var total montecarlo.Accumulator
	for _, trials := range rounds {
		for r, share := range Shares(trials, ranks) {
			acc, err := simulate(engines[r], past, at, share)
			if err != nil {
				t.Fatalf("simulate rank %d: %v", r, err)
			}
			total.Merge(acc)
		}
	}
	return total
}

// runCluster runs master on rank 0 and a Worker on every other rank.
func runCluster(t *testing.T, ranks int, p Params, master func(ctx context.Context, m *Master) error) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	return cluster.RunLocal(ctx, ranks, func(ctx context.Context, cc *cluster.Context) error {
		if !cc.IsMaster() {
			w, err := NewWorker(cc, testOptions()...)
			if err != nil {
				return err
			}
			return w.Serve(ctx)
		}
		m, err := NewMaster(cc, p, testOptions()...)
		if err != nil {
			return err
		}
		if err := m.Start(ctx); err != nil {
			return err
		}
		if err := master(ctx, m); err != nil {
			return err
		}
		return m.Stop(ctx)
	})
}

func TestDistributedPriceMatchesRanks(t *testing.T) {
	p := basketParams()
	rounds := []int64{3001, 1500}
	var got montecarlo.Accumulator

	err := runCluster(t, 3, p, func(ctx context.Context, m *Master) error {
		var err error
		for _, n := range rounds {
			if got, err = m.Price(ctx, n, got); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	want := expectedMerge(t, p, nil, 0, rounds, 3)
	if got != want {
		t.Errorf("merged = %+v, want %+v", got, want)
	}
	if got.Count != 4501 {
		t.Errorf("count = %d, want 4501", got.Count)
	}
}

func TestDistributedPriceAt(t *testing.T) {
	p := basketParams()
	past := mat.NewDense(3, 2, []float64{100, 90, 102, 88, 104, 91})
	var got montecarlo.Accumulator

	err := runCluster(t, 2, p, func(ctx context.Context, m *Master) error {
		var err error
		got, err = m.PriceAt(ctx, past, 0.5, 2000, got)
		return err
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	want := expectedMerge(t, p, past, 0.5, []int64{2000}, 2)
	if got != want {
		t.Errorf("merged = %+v, want %+v", got, want)
	}
}

func TestSingleRankNeedsNoWorkers(t *testing.T) {
	p := basketParams()
	cc, err := cluster.NewContext(0, 1, nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	reg := metrics.New()
	m, err := NewMaster(cc, p, WithLogger(quietLogger()), WithMetrics(reg))
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	acc, err := m.Price(ctx, 500, montecarlo.Accumulator{})
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if want := expectedMerge(t, p, nil, 0, []int64{500}, 1); acc != want {
		t.Errorf("acc = %+v, want %+v", acc, want)
	}
	if got := testutil.ToFloat64(reg.Trials.WithLabelValues("0")); got != 500 {
		t.Errorf("trials metric = %g", got)
	}
	if err := m.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestResumeFromPrior(t *testing.T) {
	p := basketParams()
	prior := montecarlo.Accumulator{Sum: 1000, SumSquare: 150000, Count: 100}

	cc, _ := cluster.NewContext(0, 1, nil)
	m, err := NewMaster(cc, p, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}
	m.Start(context.Background())
	acc, err := m.Price(context.Background(), 200, prior)
	if err != nil {
		t.Fatalf("Price: %v", err)
	}

	fresh := expectedMerge(t, p, nil, 0, []int64{200}, 1)
	if want := montecarlo.Merged(prior, fresh); acc != want {
		t.Errorf("resumed = %+v, want %+v", acc, want)
	}
}

func TestPriceToPrecision(t *testing.T) {
	p := basketParams()
	var got montecarlo.Accumulator
	var width float64

	err := runCluster(t, 2, p, func(ctx context.Context, m *Master) error {
		var err error
		got, err = m.PriceToPrecision(ctx, nil, 0, Target{Batch: 1000, MaxTrials: 200000, HalfWidth: 0.5}, got)
		if err != nil {
			return err
		}
		width = got.HalfWidth(m.Engine().Discount(0))
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if width > 0.5 && got.Count < 200000 {
		t.Errorf("stopped at width %g after %d trials", width, got.Count)
	}
	if got.Count%1000 != 0 {
		t.Errorf("count %d is not a whole number of batches", got.Count)
	}

	cc, _ := cluster.NewContext(0, 1, nil)
	m, _ := NewMaster(cc, p, WithLogger(quietLogger()))
	m.Start(context.Background())
	rounds := 0
	target := Target{Batch: 300, MaxTrials: 1000, OnRound: func(montecarlo.Accumulator) error {
		rounds++
		return nil
	}}
	capped, err := m.PriceToPrecision(context.Background(), nil, 0, target, montecarlo.Accumulator{})
	if err != nil {
		t.Fatalf("capped: %v", err)
	}
	if capped.Count != 1000 || rounds != 4 {
		t.Errorf("capped count = %d after %d rounds, want 1000 after 4", capped.Count, rounds)
	}

	past := mat.NewDense(3, 2, []float64{100, 90, 102, 88, 104, 91})
	at, err := m.PriceToPrecision(context.Background(), past, 0.5, Target{Batch: 250, MaxTrials: 500}, montecarlo.Accumulator{})
	if err != nil {
		t.Fatalf("at t=0.5: %v", err)
	}
	if at.Count != 500 {
		t.Errorf("count at t=0.5 = %d", at.Count)
	}
}

func TestMissingWorkerTimesOut(t *testing.T) {
	p := basketParams()
	network := cluster.NewLocalNetwork(3)
	cc, _ := cluster.NewContext(0, 3, network.Transport(0))
	m, err := NewMaster(cc, p, WithLogger(quietLogger()), WithCollectTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("NewMaster: %v", err)
	}

	// only rank 1 says hello
	w1, _ := cluster.NewContext(1, 3, network.Transport(1))
	if err := w1.Send(context.Background(), 0, EncodeHello()); err != nil {
		t.Fatalf("hello: %v", err)
	}

	err = m.Start(context.Background())
	if !errors.Is(err, xerrors.ErrCommunication) {
		t.Fatalf("Start = %v, want communication error", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Start = %v, want the deadline as cause", err)
	}

	// the master tells the workers it gave up
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := w1.Recv(ctx)
	if err != nil {
		t.Fatalf("worker recv: %v", err)
	}
	if msg, _ := Decode(env.Payload); msg.Kind != KindAbort {
		t.Errorf("worker got %v, want abort", msg.Kind)
	}
	if _, err := m.Price(context.Background(), 10, montecarlo.Accumulator{}); err == nil {
		t.Errorf("pricing after abort succeeded")
	}
}

func TestWorkerFailureAbortsRun(t *testing.T) {
	p := basketParams()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := cluster.RunLocal(ctx, 2, func(ctx context.Context, cc *cluster.Context) error {
		if !cc.IsMaster() {
			w, _ := NewWorker(cc, testOptions()...)
			return w.Serve(ctx)
		}
		m, err := NewMaster(cc, p, testOptions()...)
		if err != nil {
			return err
		}
		if err := m.Start(ctx); err != nil {
			return err
		}
		// a past with the wrong number of columns fails on the worker too
		past := mat.NewDense(3, 1, []float64{100, 101, 102})
		_, err = m.PriceAt(ctx, past, 0.5, 100, montecarlo.Accumulator{})
		return err
	})
	if !errors.Is(err, xerrors.ErrCommunication) && !errors.Is(err, xerrors.ErrNumerical) {
		t.Fatalf("run = %v, want a failure", err)
	}
}

func TestBadParamsAbortWorkers(t *testing.T) {
	p := basketParams()
	network := cluster.NewLocalNetwork(2)
	master, _ := cluster.NewContext(0, 2, network.Transport(0))
	workerCC, _ := cluster.NewContext(1, 2, network.Transport(1))

	w, err := NewWorker(workerCC, testOptions()...)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- w.Serve(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := master.Recv(ctx); err != nil {
		t.Fatalf("no hello: %v", err)
	}

	p.Model.Volatility = []float64{0.2, math.NaN()}
	if err := master.Send(ctx, 1, EncodeParams(p)); err != nil {
		t.Fatalf("send params: %v", err)
	}

	if err := <-done; !errors.Is(err, xerrors.ErrConfiguration) {
		t.Errorf("Serve = %v, want configuration error", err)
	}
	for {
		env, err := master.Recv(ctx)
		if err != nil {
			t.Fatalf("no abort from worker: %v", err)
		}
		if msg, _ := Decode(env.Payload); msg.Kind == KindAbort {
			break
		}
	}
}

func TestRoleChecks(t *testing.T) {
	network := cluster.NewLocalNetwork(2)
	w, _ := cluster.NewContext(1, 2, network.Transport(1))
	if _, err := NewMaster(w, basketParams()); !errors.Is(err, xerrors.ErrConfiguration) {
		t.Errorf("master on rank 1: %v", err)
	}
	m, _ := cluster.NewContext(0, 2, network.Transport(0))
	if _, err := NewWorker(m); !errors.Is(err, xerrors.ErrConfiguration) {
		t.Errorf("worker on rank 0: %v", err)
	}

	solo, _ := cluster.NewContext(0, 1, nil)
	master, _ := NewMaster(solo, basketParams(), WithLogger(quietLogger()))
	if _, err := master.Price(context.Background(), 10, montecarlo.Accumulator{}); err == nil {
		t.Errorf("Price before Start succeeded")
	}

	master.Start(context.Background())
	_, err := master.Price(context.Background(), MaxTaskTrials+1, montecarlo.Accumulator{})
	if !errors.Is(err, xerrors.ErrConfiguration) || fieldOf(err) != "batch" {
		t.Errorf("oversized round: %v", err)
	}
}
