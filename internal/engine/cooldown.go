package engine

import (
	"time"

	"scanguard/internal/model"
)

// allow reports whether an alert may fire at now: either the horizon never
// alerted or the cooldown has fully elapsed since the last one. A granted
// alert is recorded immediately.
func (h *horizon) allow(now time.Time, cooldown time.Duration) bool {
	if !h.lastAlert.IsZero() && now.Sub(h.lastAlert) < cooldown {
		return false
	}
	h.lastAlert = now
	return true
}

// tryAlert applies the debounce of the horizon matching kind.
func (s *SourceState) tryAlert(kind model.AlertKind, now time.Time) bool {
	switch kind {
	case model.AlertFastScan:
		return s.fast.allow(now, s.win.FastCooldown)
	case model.AlertSlowScan:
		return s.slow.allow(now, s.win.SlowCooldown)
	}
	return false
}
