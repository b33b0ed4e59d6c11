package supervisor

import "time"

// CrashWindow is a sliding window of recent crash instants.
type CrashWindow struct {
	span  time.Duration
	times []time.Time
}

func NewCrashWindow(span time.Duration) *CrashWindow {
	return &CrashWindow{span: span}
}

// Add records a crash at now, drops entries older than the span and returns
// how many crashes remain inside the window.
func (w *CrashWindow) Add(now time.Time) int {
	w.times = append(w.times, now)
	cutoff := now.Add(-w.span)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept
	return len(w.times)
}

func (w *CrashWindow) Len() int { return len(w.times) }

func (w *CrashWindow) Reset() { w.times = w.times[:0] }
