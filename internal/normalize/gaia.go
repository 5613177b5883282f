package normalize

import (
	"regexp"
	"strings"
	"time"

	"scanguard/internal/model"
)

var (
	// action, source address, then any fields up to service and an optional s_port.
	reGaia = regexp.MustCompile(`(?i)(?:^|[\s:])(drop|reject|accept|allow|deny|block|encrypt|decrypt|monitor)\s+(\d{1,3}(?:\.\d{1,3}){3}|[0-9a-f]{0,4}:[0-9a-f:.]*[0-9a-f])\s.*?\bservice:\s*(\d+)(?:.*?\bs_port:\s*(\d+))?`)

	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+\-Z]+)`)
	reSyslogTS  = regexp.MustCompile(`^\s*([A-Za-z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})`)
	rePriority  = regexp.MustCompile(`^\s*<\d{1,3}>(?:1\s+)?`)
)

// Gaia parses Check Point Gaia raw syslog export:
//
//	Sep 3 15:12:20 192.168.99.1 Checkpoint: drop 192.168.11.7 proto: tcp; service: 22; s_port: 1352
type Gaia struct {
	loc *time.Location
}

func NewGaia(loc *time.Location) *Gaia {
	if loc == nil {
		loc = time.UTC
	}
	return &Gaia{loc: loc}
}

func (g *Gaia) Name() string { return "gaia" }

func (g *Gaia) Parse(line string, receivedAt time.Time) (model.CanonicalEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return model.CanonicalEvent{}, false
	}
	m := reGaia.FindStringSubmatch(line)
	if m == nil {
		return model.CanonicalEvent{}, false
	}
	if !strings.EqualFold(m[1], "drop") {
		return model.CanonicalEvent{}, false
	}
	src, ok := parseAddr(m[2])
	if !ok {
		return model.CanonicalEvent{}, false
	}
	dpt, ok := parsePort(m[3])
	if !ok {
		return model.CanonicalEvent{}, false
	}
	return model.CanonicalEvent{
		SourceAddr: src,
		DestPort:   dpt,
		SourcePort: optionalPort(m[4]),
		Timestamp:  headerTime(line, g.loc, receivedAt),
		Action:     model.ActionDropped,
		Format:     g.Name(),
		Raw:        line,
	}, true
}

// headerTime reads the leading syslog or ISO stamp of line, falling back to
// receivedAt when there is none.
func headerTime(line string, loc *time.Location, receivedAt time.Time) time.Time {
	line = rePriority.ReplaceAllString(line, "")
	for _, re := range []*regexp.Regexp{reTimestamp, reSyslogTS} {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if ts, err := ParseTimestamp(m[1], loc, receivedAt); err == nil {
			return ts
		}
	}
	return receivedAt.UTC()
}
