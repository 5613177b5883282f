package normalize

import (
	"strconv"
	"strings"
	"time"

	"scanguard/internal/model"
)

// CEF parses ArcSight Common Event Format records:
//
//	CEF:0|Check Point|VPN-1 & FireWall-1|R81|firewall|Log|5|src=192.168.1.10 dst=10.0.0.1 dpt=80 act=Drop
type CEF struct {
	loc *time.Location
}

func NewCEF(loc *time.Location) *CEF {
	if loc == nil {
		loc = time.UTC
	}
	return &CEF{loc: loc}
}

func (c *CEF) Name() string { return "cef" }

type cefRecord struct {
	Version   int
	Vendor    string
	Product   string
	DevVer    string
	Signature string
	EventName string
	Severity  string
	Extension map[string]string
}

func (c *CEF) Parse(line string, receivedAt time.Time) (model.CanonicalEvent, bool) {
	line = strings.TrimSpace(line)
	idx := strings.Index(line, "CEF:")
	if idx < 0 {
		return model.CanonicalEvent{}, false
	}
	prefix := line[:idx]
	rec, ok := parseCEFRecord(line[idx:])
	if !ok {
		return model.CanonicalEvent{}, false
	}
	ext := rec.Extension
	src, ok := parseAddr(ext["src"])
	if !ok {
		return model.CanonicalEvent{}, false
	}
	dpt, ok := parsePort(ext["dpt"])
	if !ok {
		return model.CanonicalEvent{}, false
	}

	ts := receivedAt.UTC()
	if rt := ext["rt"]; rt != "" {
		if parsed, err := ParseTimestamp(rt, c.loc, receivedAt); err == nil {
			ts = parsed
		}
	} else if strings.TrimSpace(prefix) != "" {
		ts = headerTime(prefix, c.loc, receivedAt)
	}

	return model.CanonicalEvent{
		SourceAddr: src,
		DestPort:   dpt,
		SourcePort: optionalPort(ext["spt"]),
		Timestamp:  ts,
		Action:     cefAction(ext["act"]),
		Format:     c.Name(),
		Raw:        line,
	}, true
}

func cefAction(act string) model.Action {
	switch strings.ToLower(strings.TrimSpace(act)) {
	case "drop", "dropped", "deny", "denied", "block", "blocked", "reject", "rejected":
		return model.ActionDropped
	case "allow", "allowed", "accept", "accepted", "permit", "permitted", "pass":
		return model.ActionAllowed
	}
	return model.ActionOther
}

func parseCEFRecord(s string) (cefRecord, bool) {
	fields := splitHeader(strings.TrimPrefix(s, "CEF:"), 7)
	if len(fields) != 8 {
		return cefRecord{}, false
	}
	version, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return cefRecord{}, false
	}
	return cefRecord{
		Version:   version,
		Vendor:    fields[1],
		Product:   fields[2],
		DevVer:    fields[3],
		Signature: fields[4],
		EventName: fields[5],
		Severity:  fields[6],
		Extension: parseExtension(fields[7]),
	}, true
}

// splitHeader splits on the first n unescaped pipes and unescapes "\|" and
// "\\" in the header fields. The remainder is returned untouched.
func splitHeader(s string, n int) []string {
	out := make([]string, 0, n+1)
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if len(out) == n {
			out = append(out, s[i:])
			return out
		}
		switch {
		case ch == '\\' && i+1 < len(s) && (s[i+1] == '|' || s[i+1] == '\\'):
			b.WriteByte(s[i+1])
			i++
		case ch == '|':
			out = append(out, b.String())
			b.Reset()
		default:
			b.WriteByte(ch)
		}
	}
	if len(out) == n {
		out = append(out, "")
	}
	return out
}

// parseExtension reads space separated key=value pairs. Values may contain
// spaces; a value ends where the next unescaped "key=" begins.
func parseExtension(s string) map[string]string {
	out := make(map[string]string)
	s = strings.TrimSpace(s)
	var key string
	var val strings.Builder
	flush := func() {
		if key != "" {
			out[strings.ToLower(key)] = strings.TrimSpace(val.String())
		}
		val.Reset()
	}
	for i := 0; i < len(s); {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '=', '\\', '|':
				val.WriteByte(s[i+1])
			case 'n':
				val.WriteByte('\n')
			case 'r':
				val.WriteByte('\r')
			default:
				val.WriteByte('\\')
				val.WriteByte(s[i+1])
			}
			i += 2
			continue
		}
		if i == 0 || s[i-1] == ' ' {
			if k, n := extensionKey(s[i:]); n > 0 {
				flush()
				key = k
				i += n
				continue
			}
		}
		val.WriteByte(s[i])
		i++
	}
	flush()
	return out
}

// extensionKey reports the key and its length including '=' when s starts
// with an identifier immediately followed by '='.
func extensionKey(s string) (string, int) {
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '=':
			if i == 0 {
				return "", 0
			}
			return s[:i], i + 1
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '_', ch == '.':
			continue
		default:
			return "", 0
		}
	}
	return "", 0
}
