package program

import (
	"strings"
	"time"
)

// Platform identifies which disclosure platform a program is listed on.
type Platform string

const (
	PlatformHackerOne Platform = "hackerone"
	PlatformBugcrowd  Platform = "bugcrowd"
	PlatformIntigriti Platform = "intigriti"
	PlatformYesWeHack Platform = "yeswehack"
	PlatformFederacy  Platform = "federacy"
)

// AllPlatforms returns all known platforms.
func AllPlatforms() []Platform {
	return []Platform{
		PlatformHackerOne,
		PlatformBugcrowd,
		PlatformIntigriti,
		PlatformYesWeHack,
		PlatformFederacy,
	}
}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	for _, known := range AllPlatforms() {
		if p == known {
			return true
		}
	}
	return false
}

// Severity is the highest severity a program accepts across its scopes.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityUnknown  Severity = "unknown"
)

// ChangeType classifies what happened to a program in a poll cycle.
type ChangeType string

const (
	ChangeAdded         ChangeType = "added"
	ChangeUpgraded      ChangeType = "upgraded"
	ChangeScopeExpanded ChangeType = "scope_expanded"
	ChangeUnchanged     ChangeType = "unchanged"
)

// Program is the canonical record for one tracked disclosure program.
type Program struct {
	Name         string     `json:"name"`
	Platform     Platform   `json:"platform"`
	Handle       string     `json:"handle"`
	URL          string     `json:"url"`
	OffersBounty bool       `json:"offers_bounties"`
	Scopes       []string   `json:"key_scopes"`
	MaxSeverity  Severity   `json:"max_severity"`
	FirstSeenAt  time.Time  `json:"first_seen_at"`
	LastSeenAt   time.Time  `json:"last_seen_at"`
	LastChange   ChangeType `json:"last_change_type,omitempty"`
}

// Key returns the canonical cache key of the program.
func (p Program) Key() string {
	return CanonicalKey(p.Platform, p.Handle)
}

// CanonicalKey builds the stable identifier used for cache lookups across polls.
func CanonicalKey(platform Platform, handle string) string {
	return strings.ToLower(strings.TrimSpace(string(platform))) + ":" + strings.ToLower(strings.TrimSpace(handle))
}

// Change is an append-only change log entry: a snapshot of the program at detection time.
type Change struct {
	Program
	Type       ChangeType `json:"change_type"`
	DetectedAt time.Time  `json:"detected_at"`
}

// NewChange snapshots p as a change of type ct.
func NewChange(p Program, ct ChangeType, at time.Time) Change {
	snap := p
	snap.Scopes = append([]string(nil), p.Scopes...)
	snap.LastChange = ct
	return Change{Program: snap, Type: ct, DetectedAt: at}
}

// MaxSeverity reduces per-scope severities to the highest recognised one.
func MaxSeverity(values []string) Severity {
	rank := map[Severity]int{
		SeverityLow:      1,
		SeverityMedium:   2,
		SeverityHigh:     3,
		SeverityCritical: 4,
	}

	best := SeverityUnknown
	for _, v := range values {
		s := Severity(strings.ToLower(strings.TrimSpace(v)))
		if rank[s] > rank[best] {
			best = s
		}
	}
	return best
}
