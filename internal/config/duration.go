package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// jsonDuration reads a Go duration string ("10s", "60m") or integer
// nanoseconds, and writes the string form.
type jsonDuration time.Duration

func (d *jsonDuration) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = jsonDuration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s: want a string like \"10s\" or nanoseconds", raw)
	}
	*d = jsonDuration(n)
	return nil
}

func (d jsonDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *DetectionConfig) UnmarshalJSON(b []byte) error {
	type plain DetectionConfig
	aux := struct {
		*plain
		FastScanWindowDuration *jsonDuration `json:"fast_scan_window_duration"`
		SlowScanWindowDuration *jsonDuration `json:"slow_scan_window_duration"`
		FastScanCooldown       *jsonDuration `json:"fast_scan_cooldown"`
		SlowScanCooldown       *jsonDuration `json:"slow_scan_cooldown"`
		CleanupInterval        *jsonDuration `json:"cleanup_interval"`
	}{
		plain:                  (*plain)(d),
		FastScanWindowDuration: (*jsonDuration)(&d.FastScanWindowDuration),
		SlowScanWindowDuration: (*jsonDuration)(&d.SlowScanWindowDuration),
		FastScanCooldown:       (*jsonDuration)(&d.FastScanCooldown),
		SlowScanCooldown:       (*jsonDuration)(&d.SlowScanCooldown),
		CleanupInterval:        (*jsonDuration)(&d.CleanupInterval),
	}
	return json.Unmarshal(b, &aux)
}

func (d DetectionConfig) MarshalJSON() ([]byte, error) {
	type plain DetectionConfig
	return json.Marshal(struct {
		plain
		FastScanWindowDuration jsonDuration `json:"fast_scan_window_duration"`
		SlowScanWindowDuration jsonDuration `json:"slow_scan_window_duration"`
		FastScanCooldown       jsonDuration `json:"fast_scan_cooldown"`
		SlowScanCooldown       jsonDuration `json:"slow_scan_cooldown"`
		CleanupInterval        jsonDuration `json:"cleanup_interval"`
	}{
		plain:                  plain(d),
		FastScanWindowDuration: jsonDuration(d.FastScanWindowDuration),
		SlowScanWindowDuration: jsonDuration(d.SlowScanWindowDuration),
		FastScanCooldown:       jsonDuration(d.FastScanCooldown),
		SlowScanCooldown:       jsonDuration(d.SlowScanCooldown),
		CleanupInterval:        jsonDuration(d.CleanupInterval),
	})
}

func (a *AlertsConfig) UnmarshalJSON(b []byte) error {
	type plain AlertsConfig
	aux := struct {
		*plain
		SendTimeout *jsonDuration `json:"send_timeout"`
	}{
		plain:       (*plain)(a),
		SendTimeout: (*jsonDuration)(&a.SendTimeout),
	}
	return json.Unmarshal(b, &aux)
}

func (a AlertsConfig) MarshalJSON() ([]byte, error) {
	type plain AlertsConfig
	return json.Marshal(struct {
		plain
		SendTimeout jsonDuration `json:"send_timeout"`
	}{
		plain:       plain(a),
		SendTimeout: jsonDuration(a.SendTimeout),
	})
}
