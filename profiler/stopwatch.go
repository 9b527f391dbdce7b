// Package profiler - Per-call stage timings.
package profiler

import (
	"time"

	"go.uber.org/zap"
)

// Lap is the duration of one named stage.
type Lap struct {
	Stage    string
	Duration time.Duration
}

// Stopwatch records consecutive stage durations of a single call. It is not safe for
// concurrent use; each call owns its own stopwatch.
type Stopwatch struct {
	start time.Time
	last  time.Time
	laps  []Lap
	now   func() time.Time
}

// NewStopwatch starts a stopwatch at the current time.
func NewStopwatch() *Stopwatch {
	return newStopwatch(time.Now)
}

func newStopwatch(now func() time.Time) *Stopwatch {
	t := now()
	return &Stopwatch{start: t, last: t, now: now, laps: make([]Lap, 0, 4)}
}

// Lap closes the current stage under the given name and starts the next one.
//
// Arguments:
//   - stage: The name of the stage that just finished.
//
// Returns:
//   - time.Duration: The duration of that stage.
func (s *Stopwatch) Lap(stage string) time.Duration {
	t := s.now()
	d := t.Sub(s.last)
	s.last = t
	s.laps = append(s.laps, Lap{Stage: stage, Duration: d})
	return d
}

// Laps returns the recorded stages in order.
func (s *Stopwatch) Laps() []Lap {
	return append([]Lap(nil), s.laps...)
}

// Total returns the time elapsed since the stopwatch started.
func (s *Stopwatch) Total() time.Duration {
	return s.last.Sub(s.start)
}

// Fields renders the laps and the total as zap fields.
func (s *Stopwatch) Fields() []zap.Field {
	fields := make([]zap.Field, 0, len(s.laps)+1)
	for _, lap := range s.laps {
		fields = append(fields, zap.Duration(lap.Stage, lap.Duration))
	}
	return append(fields, zap.Duration("total", s.Total()))
}
