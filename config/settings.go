package config

import (
	"errors"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/bcdannyboy/dpricer/logging"
	"github.com/bcdannyboy/dpricer/xerrors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "DPRICER"

// Modes accepted as the first positional argument.
var Modes = []string{"price", "price-at", "delta", "hedge", "calibrate", "worker"}

// Settings are the runtime options of one process. Flags override the
// environment, which overrides the settings file.
type Settings struct {
	Mode           string         `mapstructure:"mode" validate:"required,oneof=price price-at delta hedge calibrate worker"`
	Config         string         `mapstructure:"config"`
	Params         string         `mapstructure:"params"`
	Output         string         `mapstructure:"output"`
	Seed           uint64         `mapstructure:"seed"`
	Transport      string         `mapstructure:"transport" validate:"oneof=local nats"`
	Ranks          int            `mapstructure:"ranks" validate:"gte=0,lte=4096"`
	Rank           int            `mapstructure:"rank" validate:"gte=0"`
	NATSURL        string         `mapstructure:"nats_url"`
	RunID          string         `mapstructure:"run_id"`
	CollectTimeout time.Duration  `mapstructure:"collect_timeout" validate:"gte=0"`
	IdleTimeout    time.Duration  `mapstructure:"idle_timeout" validate:"gte=0"`
	Resume         string         `mapstructure:"resume"`
	Checkpoint     string         `mapstructure:"checkpoint"`
	TargetWidth    float64        `mapstructure:"target_width" validate:"gte=0"`
	MaxTrials      int64          `mapstructure:"max_trials" validate:"gte=0"`
	Batch          int64          `mapstructure:"batch" validate:"gt=0,lte=2147483647"`
	Scheme         string         `mapstructure:"scheme" validate:"oneof=forward central"`
	Scenarios      int            `mapstructure:"scenarios" validate:"gt=0"`
	VaRConfidence  float64        `mapstructure:"var_confidence" validate:"gt=0,lt=1"`
	MetricsAddr    string         `mapstructure:"metrics_addr"`
	Symbols        []string       `mapstructure:"symbols"`
	HistoryDays    int            `mapstructure:"history_days" validate:"gt=1"`
	Rate           float64        `mapstructure:"rate"`
	Progress       bool           `mapstructure:"progress"`
	Log            logging.Config `mapstructure:"log"`
}

// flagKeys maps flag names onto settings keys where the two differ.
var flagKeys = map[string]string{
	"nats-url":        "nats_url",
	"run-id":          "run_id",
	"collect-timeout": "collect_timeout",
	"idle-timeout":    "idle_timeout",
	"target-width":    "target_width",
	"max-trials":      "max_trials",
	"var-confidence":  "var_confidence",
	"metrics-addr":    "metrics_addr",
	"history-days":    "history_days",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"log-file":        "log.file",
}

// Flags declares every command line option with its default.
func Flags() *pflag.FlagSet {
	f := pflag.NewFlagSet("dpricer", pflag.ContinueOnError)
	f.String("config", "", "runtime settings file")
	f.String("params", "", "product and model parameter file")
	f.String("output", "", "write the JSON report here instead of stdout")
	f.Uint64("seed", 1, "base seed; each rank derives its own stream")
	f.String("transport", "local", "local or nats")
	f.Int("ranks", 0, "number of ranks, 0 uses the CPU count for local runs")
	f.Int("rank", 0, "rank of this process when using nats")
	f.String("nats-url", "nats://127.0.0.1:4222", "NATS server")
	f.String("run-id", "", "run identifier shared by every rank")
	f.Duration("collect-timeout", 10*time.Minute, "bound on every master wait")
	f.Duration("idle-timeout", 30*time.Minute, "bound on a worker's wait between tasks")
	f.String("resume", "", "checkpoint to resume from")
	f.String("checkpoint", "", "write the merged accumulator here after every round")
	f.Float64("target-width", 0, "stop once the 95% half-width is at most this")
	f.Int64("max-trials", 0, "stop after this many trials, 0 uses sample_number")
	f.Int64("batch", 10000, "trials per round when pricing to a precision")
	f.String("scheme", "forward", "finite difference scheme for deltas: forward or central")
	f.Int("scenarios", 100, "hedging scenarios simulated in hedge mode")
	f.Float64("var-confidence", 0.95, "confidence level of the hedge P&L VaR")
	f.String("metrics-addr", "", "serve prometheus metrics on this address")
	f.StringSlice("symbols", nil, "symbols to calibrate against")
	f.Int("history-days", 252, "days of history used by calibrate")
	f.Float64("rate", 0.04, "interest rate written by calibrate")
	f.Bool("progress", true, "draw a progress bar for the master's share")
	f.String("log-level", "info", "log level")
	f.String("log-format", "", "text or json")
	f.String("log-file", "", "write logs to a rotated file")
	return f
}

// Load resolves the settings from flags already parsed into f, the
// environment, an optional .env file and the optional settings file.
func Load(f *pflag.FlagSet) (*Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, xerrors.Configuration("settings", ".env", "%v", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var bindErr error
	f.VisitAll(func(fl *pflag.Flag) {
		key, ok := flagKeys[fl.Name]
		if !ok {
			key = fl.Name
		}
		if err := v.BindPFlag(key, fl); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return nil, xerrors.Configuration("settings", "", "binding flags: %v", bindErr)
	}
	if mode := f.Arg(0); mode != "" {
		v.Set("mode", mode)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, xerrors.Configuration("settings", "config", "reading %s: %v", path, err)
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, xerrors.Configuration("settings", "", "decoding settings: %v", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	val := validator.New()
	// report the settings key rather than the Go field name
	val.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return val
}

func (s *Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		key := strings.TrimPrefix(fe.Namespace(), "Settings.")
		return xerrors.Configuration("settings", key, "value %v fails %q", fe.Value(), fe.ActualTag())
	}
	return xerrors.Configuration("settings", "", "%v", err)
}
