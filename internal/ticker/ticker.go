// Package ticker implements periodic timed callbacks, with no protocol
// awareness of its own — it only knows how to fire a named job on a
// fixed interval until stopped.
package ticker

import (
	"context"
	"reflect"
	"time"
)

// Job is one periodically-fired announcement: a hublist re-registration
// ping, a periodic user-count broadcast, a MOTD reminder, etc. Name exists
// only for logging; Interval and Run are what drive it.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(now time.Time)
}

// Ticker runs a fixed set of Jobs, each on its own *time.Ticker, until the
// context is canceled. Grounded on the reference hub's RunMetrics loop
// (one ticker, one select), generalized here to fan out over N independent
// intervals instead of a single hardcoded one.
type Ticker struct {
	jobs []Job
}

// New builds a Ticker for the given jobs. A Job with a non-positive
// Interval is ignored (the reference hub's "disabled by setting 0" idiom).
func New(jobs ...Job) *Ticker {
	t := &Ticker{}
	for _, j := range jobs {
		if j.Interval > 0 && j.Run != nil {
			t.jobs = append(t.jobs, j)
		}
	}
	return t
}

// Run blocks, firing each job on its own interval, until ctx is canceled.
// Every callback runs synchronously on the caller's goroutine (the
// reference hub always calls RunMetrics from its own dedicated goroutine;
// the hub wiring does the same for Ticker.Run), so a job that blocks delays
// the others — jobs are expected to be cheap (a fan-out, a counter read).
func (t *Ticker) Run(ctx context.Context) {
	if len(t.jobs) == 0 {
		<-ctx.Done()
		return
	}

	tickers := make([]*time.Ticker, len(t.jobs))
	defer func() {
		for _, tk := range tickers {
			tk.Stop()
		}
	}()

	cases := make([]reflect.SelectCase, len(t.jobs)+1)
	cases[0] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())}
	for i, j := range t.jobs {
		tk := time.NewTicker(j.Interval)
		tickers[i] = tk
		cases[i+1] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(tk.C)}
	}

	for {
		chosen, recv, _ := reflect.Select(cases)
		if chosen == 0 {
			return
		}
		now, _ := recv.Interface().(time.Time)
		t.jobs[chosen-1].Run(now)
	}
}
