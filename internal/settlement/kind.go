package settlement

import (
	"fmt"
	"strings"
	"time"

	"settlebot/internal/resolver"
)

type Kind string

const (
	KindCFD     Kind = "cfd"
	KindUSStock Kind = "us_stock"
	KindHKStock Kind = "hk_stock"
)

// DST selects the US settlement hour in Taipei time.
type DST string

const (
	DSTNone   DST = "none"
	DSTSummer DST = "summer"
	DSTWinter DST = "winter"
)

// SourceConfig describes one configured source.
type SourceConfig struct {
	Name string
	Kind Kind
	Path string
	// Label overrides the kind's message prefix when set.
	Label string
	// LeadOffset overrides the kind's offset when non-nil.
	LeadOffset *time.Duration
	DST        DST
}

// Rule returns the resolver rule for cfg.
//
//	cfd       date carries the settlement time, label "CFD "
//	us_stock  next day 08:30 (summer) / 09:30 (winter) / 00:00, ".US" suffix, label 美股
//	hk_stock  same day 18:30, label 港股
func Rule(cfg SourceConfig) (resolver.SourceRule, error) {
	var r resolver.SourceRule
	switch Kind(strings.ToLower(string(cfg.Kind))) {
	case KindCFD, "":
		r = resolver.SourceRule{Label: "CFD "}
	case KindUSStock:
		r = resolver.SourceRule{Label: "美股", ProductSuffix: ".US", LeadOffset: 24 * time.Hour}
		switch DST(strings.ToLower(string(cfg.DST))) {
		case DSTSummer:
			r.LeadOffset += 8*time.Hour + 30*time.Minute
		case DSTWinter:
			r.LeadOffset += 9*time.Hour + 30*time.Minute
		case DSTNone, "":
		default:
			return resolver.SourceRule{}, fmt.Errorf("source %q: unknown dst %q", cfg.Name, cfg.DST)
		}
	case KindHKStock:
		r = resolver.SourceRule{Label: "港股", LeadOffset: 18*time.Hour + 30*time.Minute}
	default:
		return resolver.SourceRule{}, fmt.Errorf("source %q: unknown kind %q", cfg.Name, cfg.Kind)
	}
	if cfg.Label != "" {
		r.Label = cfg.Label
	}
	if cfg.LeadOffset != nil {
		if *cfg.LeadOffset < 0 {
			return resolver.SourceRule{}, fmt.Errorf("source %q: lead_offset must be >= 0", cfg.Name)
		}
		r.LeadOffset = *cfg.LeadOffset
	}
	return r, nil
}
