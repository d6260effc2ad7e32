package ui

import (
	"fmt"
	"time"
)

// ETACalculator estimates the remaining time of a batch from recent task completions.
// ETA = remaining tasks * average time per task over the sample window.
type ETACalculator struct {
	samples       []progressSample
	maxSamples    int
	maxTimeWindow time.Duration
	now           func() time.Time
}

type progressSample struct {
	at    time.Time
	items int64
}

// NewETACalculator keeps the last 10 samples within a 5 minute window
func NewETACalculator() *ETACalculator {
	return NewETACalculatorCustom(10, 5*time.Minute)
}

// NewETACalculatorCustom creates an ETA calculator with custom settings
func NewETACalculatorCustom(maxSamples int, maxTimeWindow time.Duration) *ETACalculator {
	return &ETACalculator{
		maxSamples:    maxSamples,
		maxTimeWindow: maxTimeWindow,
		now:           time.Now,
	}
}

// RecordProgress records the number of finished items
func (e *ETACalculator) RecordProgress(items int64) {
	now := e.now()
	e.samples = append(e.samples, progressSample{at: now, items: items})
	if len(e.samples) > e.maxSamples {
		e.samples = e.samples[len(e.samples)-e.maxSamples:]
	}

	// Drop samples outside the window, always keeping the newest two
	cutoff := now.Add(-e.maxTimeWindow)
	for len(e.samples) > 2 && e.samples[0].at.Before(cutoff) {
		e.samples = e.samples[1:]
	}
}

// CalculateETA returns the estimated remaining time and whether it could be computed
func (e *ETACalculator) CalculateETA(total, current int64) (time.Duration, bool) {
	if current >= total {
		return 0, true
	}
	perItem, ok := e.averagePerItem()
	if !ok {
		return 0, false
	}
	return time.Duration(total-current) * perItem, true
}

func (e *ETACalculator) averagePerItem() (time.Duration, bool) {
	if len(e.samples) < 2 {
		return 0, false
	}
	first, last := e.samples[0], e.samples[len(e.samples)-1]
	elapsed := last.at.Sub(first.at)
	done := last.items - first.items
	if done <= 0 || elapsed <= 0 {
		return 0, false
	}
	return elapsed / time.Duration(done), true
}

// Reset clears all recorded samples
func (e *ETACalculator) Reset() {
	e.samples = nil
}

// FormatETA formats an ETA duration as a human-readable string
func FormatETA(eta time.Duration) string {
	if eta < time.Second {
		return "< 1s"
	}

	if eta < time.Minute {
		return eta.Round(time.Second).String()
	}

	if eta < time.Hour {
		minutes := int(eta.Minutes())
		seconds := int(eta.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}

	hours := int(eta.Hours())
	minutes := int(eta.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", hours, minutes)
}

// FormatDuration formats a duration as a human-readable string
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
