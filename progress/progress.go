package progress

import (
	"context"
	"io"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/sirupsen/logrus"
	mpb "github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
)

// Bar draws trial progress for one rank's share of work.
type Bar struct {
	p   *mpb.Progress
	bar *mpb.Bar
}

// New starts a bar of total units drawn to out. A nil *Bar is valid and
// draws nothing.
func New(name string, total int64, out io.Writer) *Bar {
	p := mpb.New(mpb.WithWidth(64), mpb.WithOutput(out))
	bar := p.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(name),
			decor.Percentage(decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.CountersNoUnit("(%d / %d)", decor.WCSyncSpace),
		),
	)
	return &Bar{p: p, bar: bar}
}

// Add records n completed units.
func (b *Bar) Add(n int) {
	if b == nil {
		return
	}
	b.bar.IncrBy(n)
}

// Grow raises the total when more rounds are scheduled.
func (b *Bar) Grow(n int64) {
	if b == nil {
		return
	}
	b.bar.SetTotal(b.bar.Current()+n, false)
}

func (b *Bar) Current() int64 {
	if b == nil {
		return 0
	}
	return b.bar.Current()
}

// Wait completes the bar at its current count and waits for the last draw.
func (b *Bar) Wait() {
	if b == nil {
		return
	}
	b.bar.SetTotal(b.bar.Current(), true)
	b.p.Wait()
}

// Workers is the number of local ranks to run: the logical CPU count when
// it can be read, else GOMAXPROCS.
func Workers() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// MonitorCPU logs the machine's CPU usage every interval until ctx is done.
func MonitorCPU(ctx context.Context, log *logrus.Entry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			percentage, err := cpu.PercentWithContext(ctx, time.Second, false)
			if err != nil || len(percentage) == 0 {
				continue
			}
			log.WithField("cpu_percent", percentage[0]).Debug("cpu usage")
		}
	}
}
