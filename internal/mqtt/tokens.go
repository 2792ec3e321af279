package mqtt

import (
	"sync"
	"time"
)

// DailyTokens accumulates per-day token usage and resets itself at
// local midnight. It satisfies the orchestrator's TokenSink and feeds
// both the telemetry publisher and the /healthz counters. Safe for
// concurrent use.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	requests int64
	day      int // day-of-year the counters belong to
	loc      *time.Location
}

// NewDailyTokens creates an accumulator using loc for midnight
// detection; nil means [time.Local].
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	return &DailyTokens{
		day: time.Now().In(loc).YearDay(),
		loc: loc,
	}
}

// OnTokens records the usage of one completed turn.
func (d *DailyTokens) OnTokens(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.requests++
}

// Snapshot returns today's input tokens, output tokens, and request
// count, applying any pending midnight rollover first.
func (d *DailyTokens) Snapshot() (input, output, requests int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	return d.input, d.output, d.requests
}

// rollover zeroes the counters when the local date has changed. Caller
// holds d.mu.
func (d *DailyTokens) rollover() {
	today := time.Now().In(d.loc).YearDay()
	if today != d.day {
		d.input, d.output, d.requests = 0, 0, 0
		d.day = today
	}
}
