package conflict

import "strings"

// Limits holds the published per-hour platform ceilings and the global
// resource ceiling. Zero values fall back to defaults.
type Limits struct {
	// PlatformHourly maps a platform type to its schedules-per-hour
	// ceiling. Types missing from the map use DefaultHourly.
	PlatformHourly map[string]int
	DefaultHourly  int
	// ResourceCeiling bounds schedules executing within +-5 minutes.
	ResourceCeiling int
}

// defaultPlatformHourly is the published per-platform ceiling table.
var defaultPlatformHourly = map[string]int{
	"twitter":   10,
	"facebook":  8,
	"instagram": 6,
	"linkedin":  5,
	"tiktok":    4,
	"youtube":   3,
	"pinterest": 8,
	"mastodon":  12,
	"wordpress": 20,
}

func DefaultLimits() Limits {
	return Limits{
		PlatformHourly:  defaultPlatformHourly,
		DefaultHourly:   10,
		ResourceCeiling: 5,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if len(l.PlatformHourly) == 0 {
		l.PlatformHourly = def.PlatformHourly
	}
	if l.DefaultHourly <= 0 {
		l.DefaultHourly = def.DefaultHourly
	}
	if l.ResourceCeiling <= 0 {
		l.ResourceCeiling = def.ResourceCeiling
	}
	return l
}

func (l Limits) hourlyCeiling(platformType string) int {
	if c, ok := l.PlatformHourly[platformType]; ok && c > 0 {
		return c
	}
	return l.DefaultHourly
}

// PlatformType normalizes a platform ref to its type: the part before
// the first ':' (account qualifiers like "twitter:main" collapse to
// "twitter"), lowercased.
func PlatformType(ref string) string {
	ref = strings.ToLower(strings.TrimSpace(ref))
	if i := strings.IndexByte(ref, ':'); i > 0 {
		return ref[:i]
	}
	return ref
}
