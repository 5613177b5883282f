package alerts

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"scanguard/internal/model"
)

const (
	cefVendor  = "scanguard"
	cefProduct = "PortScanDetector"
	cefVersion = "1.0"
)

// SIEMSink forwards alerts to a SIEM collector as UDP syslog payloads,
// either the plain ALERT line or a CEF record.
type SIEMSink struct {
	addr     string
	format   string
	hostname string

	mu   sync.Mutex
	conn net.Conn
}

func NewSIEMSink(addr, format string) *SIEMSink {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "scanguard"
	}
	return &SIEMSink{addr: addr, format: strings.ToLower(format), hostname: host}
}

func (s *SIEMSink) Name() string { return "siem" }

func (s *SIEMSink) Send(ctx context.Context, alert model.AlertEvent) error {
	var payload string
	if s.format == "cef" {
		payload = RenderCEF(alert, s.hostname)
	} else {
		payload = alert.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "udp", s.addr)
		if err != nil {
			return fmt.Errorf("dial siem %s: %w", s.addr, err)
		}
		s.conn = conn
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}
	if _, err := s.conn.Write([]byte(payload)); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return fmt.Errorf("write siem %s: %w", s.addr, err)
	}
	return nil
}

func (s *SIEMSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// RenderCEF renders alert as a syslog prefixed CEF record. Fast scans map to
// signature IDS001 with severity 8, slow scans to IDS002 with severity 6.
func RenderCEF(alert model.AlertEvent, hostname string) string {
	sig, severity, scanType := "IDS000", 5, "Scan"
	windowLabel, window := "WindowSecs", int64(alert.Window/time.Second)
	switch alert.Kind {
	case model.AlertFastScan:
		sig, severity, scanType = "IDS001", 8, "FastScan"
	case model.AlertSlowScan:
		sig, severity, scanType = "IDS002", 6, "SlowScan"
		windowLabel, window = "WindowMins", int64(alert.Window/time.Minute)
	}
	ts := alert.Timestamp.UTC()
	return fmt.Sprintf("%s %s CEF:0|%s|%s|%s|%s|%s|%d|src=%s cs1Label=ScanType cs1=%s cs2Label=UniquePorts cs2=%d cs3Label=%s cs3=%d cn1Label=Threshold cn1=%d rt=%d externalId=%s",
		ts.Format(time.Stamp),
		hostname,
		cefVendor,
		cefProduct,
		cefVersion,
		sig,
		alert.Kind.Title(),
		severity,
		alert.SourceAddr,
		scanType,
		alert.DistinctPorts,
		windowLabel,
		window,
		alert.Threshold,
		ts.UnixMilli(),
		alert.ID,
	)
}
