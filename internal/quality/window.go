package quality

import "time"

// Counts are the signal totals over a window.
type Counts struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Blocked   int64 `json:"blocked"`
	Reported  int64 `json:"reported"`
}

func (c Counts) rate(n int64) float64 {
	if c.Sent <= 0 {
		return 0
	}
	return float64(n) / float64(c.Sent)
}

func (c Counts) BlockRate() float64  { return c.rate(c.Blocked) }
func (c Counts) ReportRate() float64 { return c.rate(c.Reported) }
func (c Counts) FailRate() float64   { return c.rate(c.Failed) }

func (c *Counts) add(o Counts) {
	c.Sent += o.Sent
	c.Delivered += o.Delivered
	c.Failed += o.Failed
	c.Blocked += o.Blocked
	c.Reported += o.Reported
}

type bucket struct {
	epoch int64
	c     Counts
}

// rollingWindow keeps counts in fixed-width time buckets; buckets older than
// the window are ignored and overwritten lazily.
type rollingWindow struct {
	width   time.Duration
	buckets []bucket
}

func newRollingWindow(window time.Duration, n int) *rollingWindow {
	if n <= 0 {
		n = 24
	}
	width := window / time.Duration(n)
	if width <= 0 {
		width = time.Second
	}
	return &rollingWindow{width: width, buckets: make([]bucket, n)}
}

func (w *rollingWindow) slot(at time.Time) (*bucket, int64) {
	epoch := at.UnixNano() / int64(w.width)
	b := &w.buckets[int(epoch%int64(len(w.buckets)))]
	return b, epoch
}

func (w *rollingWindow) add(at time.Time, c Counts) {
	b, epoch := w.slot(at)
	if b.epoch != epoch {
		b.epoch = epoch
		b.c = Counts{}
	}
	b.c.add(c)
}

func (w *rollingWindow) sum(now time.Time) Counts {
	cur := now.UnixNano() / int64(w.width)
	oldest := cur - int64(len(w.buckets)) + 1
	var out Counts
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.epoch >= oldest && b.epoch <= cur {
			out.add(b.c)
		}
	}
	return out
}
