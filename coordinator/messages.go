package coordinator

import (
	"fmt"
	"math"

	"github.com/bcdannyboy/dpricer/models"
	"github.com/bcdannyboy/dpricer/payoff"
	"github.com/bcdannyboy/dpricer/xerrors"
	"google.golang.org/protobuf/encoding/protowire"
	"gonum.org/v1/gonum/mat"
)

// MaxAssets bounds the asset count accepted from the wire.
const MaxAssets = 4096

// maxPastCells bounds the size of an observed past accepted from the wire.
const maxPastCells = 1 << 24

// MaxTaskTrials bounds the trials one Task may ask a rank for.
const MaxTaskTrials = math.MaxInt32

type Kind uint64

const (
	KindHello Kind = iota + 1
	KindParams
	KindTask
	KindResult
	KindStop
	KindAbort
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindParams:
		return "params"
	case KindTask:
		return "task"
	case KindResult:
		return "result"
	case KindStop:
		return "stop"
	case KindAbort:
		return "abort"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

// Params is broadcast once by the master so every rank can build the same engine.
type Params struct {
	Model   models.Parameters
	Product payoff.Spec
	Seed    uint64
	FdStep  float64
}

// Task asks a worker to run Trials trials. A nil Past prices at time 0.
type Task struct {
	Round  uint64
	Trials int64
	Time   float64
	Past   *mat.Dense
}

// Result is a worker's accumulator for one round.
type Result struct {
	Round     uint64
	Sum       float64
	SumSquare float64
	Count     int64
}

type Abort struct {
	Reason string
}

// Message is the decoded form of any payload exchanged by the coordinator.
// Exactly one of the pointers is set for kinds that carry a body.
type Message struct {
	Kind   Kind
	Params *Params
	Task   *Task
	Result *Result
	Abort  *Abort
}

const fieldKind protowire.Number = 1

// Params fields, in the order they are written.
const (
	paramsAssets protowire.Number = iota + 2
	paramsCorrelation
	paramsVolatility
	paramsTrend
	paramsSpot
	paramsRate
	paramsProduct
	paramsSeed
	paramsFdStep
)

const (
	productKind protowire.Number = iota + 1
	productSize
	productMaturity
	productSteps
	productStrike
	productWeights
)

const (
	taskRound protowire.Number = iota + 2
	taskTrials
	taskTime
	taskPastRows
	taskPastCols
	taskPastData
)

const (
	resultRound protowire.Number = iota + 2
	resultSum
	resultSumSquare
	resultCount
)

const abortReason protowire.Number = 2

func appendKind(b []byte, k Kind) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(k))
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, x float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(x))
}

func appendDoubles(b []byte, num protowire.Number, xs []float64) []byte {
	inner := make([]byte, 0, 8*len(xs))
	for _, x := range xs {
		inner = protowire.AppendFixed64(inner, math.Float64bits(x))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func EncodeHello() []byte { return appendKind(nil, KindHello) }
func EncodeStop() []byte  { return appendKind(nil, KindStop) }

func EncodeAbort(reason string) []byte {
	b := appendKind(nil, KindAbort)
	return appendString(b, abortReason, reason)
}

// EncodeParams writes the asset count before every field whose length
// depends on it.
func EncodeParams(p Params) []byte {
	m := p.Model
	b := appendKind(nil, KindParams)
	b = appendVarint(b, paramsAssets, uint64(m.Size))
	b = appendDouble(b, paramsCorrelation, m.Correlation)
	b = appendDoubles(b, paramsVolatility, m.Volatility)
	trend := m.Trend
	if trend == nil {
		trend = make([]float64, m.Size)
	}
	b = appendDoubles(b, paramsTrend, trend)
	b = appendDoubles(b, paramsSpot, m.Spot)
	b = appendDouble(b, paramsRate, m.Rate)

	var prod []byte
	prod = appendString(prod, productKind, p.Product.Kind)
	prod = appendVarint(prod, productSize, uint64(p.Product.Size))
	prod = appendDouble(prod, productMaturity, p.Product.Maturity)
	prod = appendVarint(prod, productSteps, uint64(p.Product.TimeSteps))
	prod = appendDouble(prod, productStrike, p.Product.Strike)
	prod = appendDoubles(prod, productWeights, p.Product.Weights)
	b = protowire.AppendTag(b, paramsProduct, protowire.BytesType)
	b = protowire.AppendBytes(b, prod)

	b = appendVarint(b, paramsSeed, p.Seed)
	b = appendDouble(b, paramsFdStep, p.FdStep)
	return b
}

func EncodeTask(t Task) []byte {
	b := appendKind(nil, KindTask)
	b = appendVarint(b, taskRound, t.Round)
	b = appendVarint(b, taskTrials, uint64(t.Trials))
	b = appendDouble(b, taskTime, t.Time)
	if t.Past != nil {
		r, c := t.Past.Dims()
		b = appendVarint(b, taskPastRows, uint64(r))
		b = appendVarint(b, taskPastCols, uint64(c))
		data := make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			data = append(data, t.Past.RawRowView(i)...)
		}
		b = appendDoubles(b, taskPastData, data)
	}
	return b
}

func EncodeResult(r Result) []byte {
	b := appendKind(nil, KindResult)
	b = appendVarint(b, resultRound, r.Round)
	b = appendDouble(b, resultSum, r.Sum)
	b = appendDouble(b, resultSumSquare, r.SumSquare)
	b = appendVarint(b, resultCount, uint64(r.Count))
	return b
}

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	fixed  uint64
	bytes  []byte
}

func (f field) double() float64 { return math.Float64frombits(f.fixed) }

func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.fixed, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func expect(f field, typ protowire.Type, name string) error {
	if f.typ != typ {
		return fmt.Errorf("field %s has wire type %d, want %d", name, f.typ, typ)
	}
	return nil
}

func consumeDoubles(f field, name string, want int) ([]float64, error) {
	if err := expect(f, protowire.BytesType, name); err != nil {
		return nil, err
	}
	if len(f.bytes)%8 != 0 {
		return nil, fmt.Errorf("field %s is %d bytes, not a whole number of doubles", name, len(f.bytes))
	}
	if got := len(f.bytes) / 8; got != want {
		return nil, fmt.Errorf("field %s has %d values, declared %d", name, got, want)
	}
	out := make([]float64, want)
	b := f.bytes
	for i := range out {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out[i] = math.Float64frombits(v)
		b = b[n:]
	}
	return out, nil
}

// Decode parses any coordinator payload. Malformed input is reported as a
// communication error naming the offending field.
func Decode(b []byte) (Message, error) {
	var msg Message

	// the kind comes first; everything after it is handed to the kind's decoder
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 || num != fieldKind || typ != protowire.VarintType {
		return msg, decodeError("kind", fmt.Errorf("payload does not start with a message kind"))
	}
	k, m := protowire.ConsumeVarint(b[n:])
	if m < 0 {
		return msg, decodeError("kind", protowire.ParseError(m))
	}
	msg.Kind = Kind(k)
	body := b[n+m:]

	var err error
	switch msg.Kind {
	case KindHello, KindStop:
	case KindParams:
		msg.Params, err = decodeParams(body)
	case KindTask:
		msg.Task, err = decodeTask(body)
	case KindResult:
		msg.Result, err = decodeResult(body)
	case KindAbort:
		msg.Abort, err = decodeAbort(body)
	default:
		err = decodeError("kind", fmt.Errorf("unknown message kind %d", k))
	}
	return msg, err
}

func decodeError(name string, cause error) error {
	e := xerrors.Communication("decode", xerrors.NoRank, cause, "malformed message")
	e.Field = name
	return e
}

func decodeParams(b []byte) (*Params, error) {
	p := &Params{}
	size := 0
	seen := map[protowire.Number]bool{}

	err := walk(b, func(f field) error {
		// vectors are sized by the asset count, which must already be known
		switch f.num {
		case paramsVolatility, paramsTrend, paramsSpot:
			if size == 0 {
				return decodeError("assets", fmt.Errorf("vector field %d before the asset count", f.num))
			}
		}

		var err error
		switch f.num {
		case paramsAssets:
			if err = expect(f, protowire.VarintType, "assets"); err != nil {
				return decodeError("assets", err)
			}
			if f.varint < 1 || f.varint > MaxAssets {
				return decodeError("assets", fmt.Errorf("asset count %d outside [1, %d]", f.varint, MaxAssets))
			}
			size = int(f.varint)
			p.Model.Size = size
		case paramsCorrelation:
			if err = expect(f, protowire.Fixed64Type, "correlation"); err != nil {
				return decodeError("correlation", err)
			}
			p.Model.Correlation = f.double()
		case paramsVolatility:
			if p.Model.Volatility, err = consumeDoubles(f, "volatility", size); err != nil {
				return decodeError("volatility", err)
			}
		case paramsTrend:
			if p.Model.Trend, err = consumeDoubles(f, "trend", size); err != nil {
				return decodeError("trend", err)
			}
		case paramsSpot:
			if p.Model.Spot, err = consumeDoubles(f, "spot", size); err != nil {
				return decodeError("spot", err)
			}
		case paramsRate:
			if err = expect(f, protowire.Fixed64Type, "rate"); err != nil {
				return decodeError("rate", err)
			}
			p.Model.Rate = f.double()
		case paramsProduct:
			if err = expect(f, protowire.BytesType, "product"); err != nil {
				return decodeError("product", err)
			}
			if p.Product, err = decodeProduct(f.bytes); err != nil {
				return err
			}
		case paramsSeed:
			if err = expect(f, protowire.VarintType, "seed"); err != nil {
				return decodeError("seed", err)
			}
			p.Seed = f.varint
		case paramsFdStep:
			if err = expect(f, protowire.Fixed64Type, "fd_step"); err != nil {
				return decodeError("fd_step", err)
			}
			p.FdStep = f.double()
		}
		seen[f.num] = true
		return nil
	})
	if err != nil {
		if xerrors.KindOf(err) == xerrors.KindCommunication {
			return nil, err
		}
		return nil, decodeError("params", err)
	}

	required := []struct {
		num  protowire.Number
		name string
	}{
		{paramsAssets, "assets"},
		{paramsVolatility, "volatility"},
		{paramsSpot, "spot"},
		{paramsRate, "rate"},
		{paramsProduct, "product"},
	}
	for _, r := range required {
		if !seen[r.num] {
			return nil, decodeError(r.name, fmt.Errorf("missing field"))
		}
	}
	return p, nil
}

func decodeProduct(b []byte) (payoff.Spec, error) {
	var s payoff.Spec
	var weights *field

	err := walk(b, func(f field) error {
		switch f.num {
		case productKind:
			if err := expect(f, protowire.BytesType, "option_type"); err != nil {
				return err
			}
			s.Kind = string(f.bytes)
		case productSize:
			if err := expect(f, protowire.VarintType, "option_size"); err != nil {
				return err
			}
			if f.varint < 1 || f.varint > MaxAssets {
				return fmt.Errorf("option size %d outside [1, %d]", f.varint, MaxAssets)
			}
			s.Size = int(f.varint)
		case productMaturity:
			if err := expect(f, protowire.Fixed64Type, "maturity"); err != nil {
				return err
			}
			s.Maturity = f.double()
		case productSteps:
			if err := expect(f, protowire.VarintType, "timestep_number"); err != nil {
				return err
			}
			if f.varint > math.MaxInt32 {
				return fmt.Errorf("time steps %d too large", f.varint)
			}
			s.TimeSteps = int(f.varint)
		case productStrike:
			if err := expect(f, protowire.Fixed64Type, "strike"); err != nil {
				return err
			}
			s.Strike = f.double()
		case productWeights:
			w := f
			weights = &w
		}
		return nil
	})
	if err != nil {
		return s, decodeError("product", err)
	}
	if weights != nil {
		if s.Weights, err = consumeDoubles(*weights, "payoff_coefficients", s.Size); err != nil {
			return s, decodeError("payoff_coefficients", err)
		}
	}
	return s, nil
}

func decodeTask(b []byte) (*Task, error) {
	t := &Task{}
	var rows, cols uint64
	var data *field

	err := walk(b, func(f field) error {
		switch f.num {
		case taskRound:
			if err := expect(f, protowire.VarintType, "round"); err != nil {
				return err
			}
			t.Round = f.varint
		case taskTrials:
			if err := expect(f, protowire.VarintType, "trials"); err != nil {
				return err
			}
			if f.varint > MaxTaskTrials {
				return fmt.Errorf("trial count %d too large", f.varint)
			}
			t.Trials = int64(f.varint)
		case taskTime:
			if err := expect(f, protowire.Fixed64Type, "time"); err != nil {
				return err
			}
			t.Time = f.double()
		case taskPastRows:
			rows = f.varint
		case taskPastCols:
			cols = f.varint
		case taskPastData:
			d := f
			data = &d
		}
		return nil
	})
	if err != nil {
		return nil, decodeError("task", err)
	}

	if data != nil || rows != 0 || cols != 0 {
		if rows < 1 || cols < 1 || cols > MaxAssets || rows > maxPastCells/cols {
			return nil, decodeError("past", fmt.Errorf("past shape %dx%d is invalid", rows, cols))
		}
		if data == nil {
			return nil, decodeError("past", fmt.Errorf("past shape given without data"))
		}
		values, err := consumeDoubles(*data, "past", int(rows*cols))
		if err != nil {
			return nil, decodeError("past", err)
		}
		t.Past = mat.NewDense(int(rows), int(cols), values)
	}
	return t, nil
}

func decodeResult(b []byte) (*Result, error) {
	r := &Result{}
	seen := 0
	err := walk(b, func(f field) error {
		switch f.num {
		case resultRound:
			if err := expect(f, protowire.VarintType, "round"); err != nil {
				return err
			}
			r.Round = f.varint
		case resultSum:
			if err := expect(f, protowire.Fixed64Type, "sum"); err != nil {
				return err
			}
			r.Sum = f.double()
		case resultSumSquare:
			if err := expect(f, protowire.Fixed64Type, "sum_square"); err != nil {
				return err
			}
			r.SumSquare = f.double()
		case resultCount:
			if err := expect(f, protowire.VarintType, "count"); err != nil {
				return err
			}
			if f.varint > math.MaxInt64 {
				return fmt.Errorf("count overflows")
			}
			r.Count = int64(f.varint)
		default:
			return nil
		}
		seen++
		return nil
	})
	if err != nil {
		return nil, decodeError("result", err)
	}
	if seen < 4 {
		return nil, decodeError("result", fmt.Errorf("result has %d of 4 fields", seen))
	}
	return r, nil
}

func decodeAbort(b []byte) (*Abort, error) {
	a := &Abort{}
	err := walk(b, func(f field) error {
		if f.num == abortReason {
			if err := expect(f, protowire.BytesType, "reason"); err != nil {
				return err
			}
			a.Reason = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, decodeError("abort", err)
	}
	return a, nil
}
