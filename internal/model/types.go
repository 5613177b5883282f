package model

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

type Action string

const (
	ActionDropped Action = "dropped"
	ActionAllowed Action = "allowed"
	ActionOther   Action = "other"
)

// Record is one raw log line as handed over by an ingest transport.
type Record struct {
	Line       string    `json:"line"`
	Source     string    `json:"source,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

type CanonicalEvent struct {
	SourceAddr netip.Addr `json:"src"`
	DestPort   uint16     `json:"dpt"`
	SourcePort *uint16    `json:"spt,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Action     Action     `json:"action"`
	Format     string     `json:"format,omitempty"`
	Raw        string     `json:"raw,omitempty"`
}

type AlertKind string

const (
	AlertFastScan AlertKind = "FAST_SCAN"
	AlertSlowScan AlertKind = "SLOW_SCAN"
)

type AlertEvent struct {
	ID            string        `json:"id"`
	Kind          AlertKind     `json:"kind"`
	SourceAddr    netip.Addr    `json:"src"`
	DistinctPorts int           `json:"ports"`
	Window        time.Duration `json:"window"`
	Threshold     int           `json:"threshold"`
	Timestamp     time.Time     `json:"ts"`
}

// String renders the forwarding line form of the alert.
func (a AlertEvent) String() string {
	return fmt.Sprintf("ALERT kind=%s src=%s ports=%d window=%s ts=%s",
		a.Kind,
		a.SourceAddr,
		a.DistinctPorts,
		a.Window,
		a.Timestamp.UTC().Format(time.RFC3339),
	)
}

// Title is a short human readable label, used by email subjects and CEF names.
func (k AlertKind) Title() string {
	switch k {
	case AlertFastScan:
		return "Fast Port Scan Detected"
	case AlertSlowScan:
		return "Slow Port Scan Detected"
	}
	return strings.ReplaceAll(strings.ToLower(string(k)), "_", " ")
}

// MarshalJSON writes the window as a Go duration string ("10s", "1h0m0s").
func (a AlertEvent) MarshalJSON() ([]byte, error) {
	type plain AlertEvent
	return json.Marshal(struct {
		plain
		Window string `json:"window"`
	}{plain: plain(a), Window: a.Window.String()})
}

func (a *AlertEvent) UnmarshalJSON(data []byte) error {
	type plain AlertEvent
	aux := struct {
		*plain
		Window string `json:"window"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Window == "" {
		a.Window = 0
		return nil
	}
	d, err := time.ParseDuration(aux.Window)
	if err != nil {
		return fmt.Errorf("alert window: %w", err)
	}
	a.Window = d
	return nil
}
