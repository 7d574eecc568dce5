package report

import (
	"io"
	"os"
	"time"

	"github.com/bcdannyboy/dpricer/montecarlo"
	"github.com/bcdannyboy/dpricer/probability"
	"github.com/bcdannyboy/dpricer/xerrors"
	"github.com/xhhuango/json"
)

// Reference is the closed-form value of a single-asset product, when one exists.
type Reference struct {
	Price float64 `json:"price"`
	Delta float64 `json:"delta"`
}

// Report is the JSON summary written at the end of a run.
type Report struct {
	RunID      string                    `json:"run_id"`
	Mode       string                    `json:"mode"`
	Ranks      int                       `json:"ranks"`
	Product    string                    `json:"product"`
	Assets     int                       `json:"assets"`
	Time       float64                   `json:"t"`
	Estimate   *montecarlo.PriceEstimate `json:"estimate,omitempty"`
	Low        float64                   `json:"low,omitempty"`
	High       float64                   `json:"high,omitempty"`
	Delta      *montecarlo.DeltaEstimate `json:"delta,omitempty"`
	Reference  *Reference                `json:"reference,omitempty"`
	Hedge      *probability.Summary      `json:"hedge,omitempty"`
	Parameters map[string]any            `json:"parameters,omitempty"`
	Started    time.Time                 `json:"started"`
	Elapsed    string                    `json:"elapsed"`
}

// SetEstimate records est and its confidence bounds.
func (r *Report) SetEstimate(est montecarlo.PriceEstimate) {
	r.Estimate = &est
	r.Low = est.Low()
	r.High = est.High()
}

// Finish stamps the elapsed time since Started.
func (r *Report) Finish() {
	r.Elapsed = time.Since(r.Started).Round(time.Millisecond).String()
}

func (r *Report) Encode(w io.Writer) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// Write stores the report at path, or prints it to stdout when path is empty.
func (r *Report) Write(path string) error {
	if path == "" {
		return r.Encode(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return xerrors.Configuration("report", "output", "%v", err)
	}
	defer f.Close()
	return r.Encode(f)
}

// Checkpoint lets an interrupted run resume with the trials already merged.
type Checkpoint struct {
	RunID       string                 `json:"run_id"`
	Mode        string                 `json:"mode"`
	Time        float64                `json:"t"`
	Problem     string                 `json:"problem"`
	Rounds      uint64                 `json:"rounds"`
	Accumulator montecarlo.Accumulator `json:"accumulator"`
	Saved       time.Time              `json:"saved"`
}

// SaveCheckpoint writes c through a temporary file so a crash never leaves
// a truncated checkpoint behind.
func SaveCheckpoint(path string, c Checkpoint) error {
	c.Saved = time.Now().UTC()
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return xerrors.Configuration("checkpoint", "checkpoint", "%v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return xerrors.Configuration("checkpoint", "checkpoint", "%v", err)
	}
	return nil
}

func LoadCheckpoint(path string) (Checkpoint, error) {
	var c Checkpoint
	b, err := os.ReadFile(path)
	if err != nil {
		return c, xerrors.Configuration("checkpoint", "resume", "%v", err)
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, xerrors.Configuration("checkpoint", "resume", "decoding %s: %v", path, err)
	}
	a := c.Accumulator
	if a.Count < 0 || (a.Count == 0 && (a.Sum != 0 || a.SumSquare != 0)) || a.SumSquare < 0 {
		return c, xerrors.Configuration("checkpoint", "resume", "accumulator %+v is inconsistent", a)
	}
	return c, nil
}
