package engine

import (
	"net/netip"

	"scanguard/internal/config"
)

// SourceFilter holds the ignore_sources list: trusted scanners and
// monitoring hosts whose drops are never tracked.
type SourceFilter struct {
	prefixes []netip.Prefix
}

func buildSourceFilter(cfg *config.Config) (*SourceFilter, error) {
	prefixes, err := config.ParsePrefixes(cfg.Detection.IgnoreSources)
	if err != nil {
		return nil, err
	}
	return &SourceFilter{prefixes: prefixes}, nil
}

func (f *SourceFilter) Ignored(addr netip.Addr) bool {
	if f == nil || len(f.prefixes) == 0 {
		return false
	}
	addr = addr.Unmap()
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (f *SourceFilter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.prefixes)
}
