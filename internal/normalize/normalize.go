package normalize

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"scanguard/internal/model"
)

var ErrUnknownFormat = errors.New("unknown parser format")

// Normalizer turns one raw log line into a canonical event. A false result
// means the line is malformed or not relevant; it is never an error.
type Normalizer interface {
	Name() string
	Parse(line string, receivedAt time.Time) (model.CanonicalEvent, bool)
}

type constructor func(loc *time.Location) Normalizer

var registry = map[string]constructor{
	"gaia": func(loc *time.Location) Normalizer { return NewGaia(loc) },
	"cef":  func(loc *time.Location) Normalizer { return NewCEF(loc) },
}

// New returns the normalizer registered under name, using UTC for
// timestamps that carry no zone.
func New(name string) (Normalizer, error) {
	return NewInLocation(name, time.UTC)
}

func NewInLocation(name string, loc *time.Location) (Normalizer, error) {
	ctor, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownFormat, name, strings.Join(Formats(), ", "))
	}
	if loc == nil {
		loc = time.UTC
	}
	return ctor(loc), nil
}

func Supported(name string) bool {
	_, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

func Formats() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func parseAddr(value string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(value))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func parsePort(value string) (uint16, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 16)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint16(n), true
}

func optionalPort(value string) *uint16 {
	if value == "" {
		return nil
	}
	p, ok := parsePort(value)
	if !ok {
		return nil
	}
	return &p
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"Jan 02 2006 15:04:05",
	"Jan 2 2006 15:04:05",
	"Jan 02 15:04:05",
	"Jan 2 15:04:05",
	"Jan _2 15:04:05",
}

// ParseTimestamp accepts RFC3339, plain date-time, CEF receipt times, syslog
// stamps without a year and unix seconds or milliseconds. Syslog stamps get
// the year of ref; a stamp that would land more than a day after ref is
// moved to the previous year.
func ParseTimestamp(value string, loc *time.Location, ref time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	value = strings.Join(strings.Fields(value), " ")
	for _, layout := range timestampLayouts {
		if !strings.Contains(layout, "2006") {
			t, err := time.ParseInLocation(layout, value, loc)
			if err != nil {
				continue
			}
			if ref.IsZero() {
				ref = time.Now()
			}
			ref = ref.In(loc)
			out := time.Date(ref.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
			if out.Sub(ref) > 24*time.Hour {
				out = out.AddDate(-1, 0, 0)
			}
			return out.UTC(), nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
