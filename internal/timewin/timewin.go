// Package timewin converts between session-relative millisecond
// offsets and absolute timestamps, and computes the moving lookback
// threshold used to bound event queries.
package timewin

import (
	"fmt"
	"strconv"
	"time"
)

// Window is a caller-requested lookback. Either All is set, meaning
// everything since session start, or Seconds holds a fixed lookback.
type Window struct {
	Seconds int
	All     bool
}

// Parse interprets a window query value: "all" or a positive integer
// number of seconds.
func Parse(s string) (Window, error) {
	if s == "all" {
		return Window{All: true}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return Window{}, fmt.Errorf("invalid window %q", s)
	}
	if n <= 0 {
		return Window{}, fmt.Errorf("window must be positive, got %d", n)
	}
	return Window{Seconds: n}, nil
}

// String renders the window in the same form Parse accepts.
func (w Window) String() string {
	if w.All {
		return "all"
	}
	return strconv.Itoa(w.Seconds)
}

// ToAbsolute converts a millisecond offset from session start into an
// absolute UTC timestamp. Exact: ToAbsolute(t, ms).Sub(t) is always
// ms milliseconds.
func ToAbsolute(sessionStart time.Time, ms int64) time.Time {
	return sessionStart.Add(time.Duration(ms) * time.Millisecond).UTC()
}

// ToOffset is the inverse of ToAbsolute.
func ToOffset(sessionStart, abs time.Time) int64 {
	return abs.Sub(sessionStart).Milliseconds()
}

// Threshold computes the millisecond offset below which events fall
// outside the requested window. The window is anchored to now, not to
// session start: every poll recomputes elapsed = now - sessionStart
// and returns elapsed - lookback in milliseconds. An unbounded window
// uses lookback = elapsed, so the threshold is zero. The result may be
// negative when the session is younger than the window, which callers
// treat as "everything since session start" because offsets are never
// negative. Filtering is inclusive: keep events with offset >= threshold.
func Threshold(sessionStart, now time.Time, w Window) int64 {
	elapsed := now.Sub(sessionStart)
	lookback := elapsed
	if !w.All {
		lookback = time.Duration(w.Seconds) * time.Second
	}
	return (elapsed - lookback).Milliseconds()
}
