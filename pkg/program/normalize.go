package program

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultScopePreview caps how many scope identifiers are kept per program.
const DefaultScopePreview = 10

// ErrPayload is returned when a platform payload cannot be used at all.
var ErrPayload = errors.New("malformed payload")

// errNoHandle marks a record that cannot be keyed.
var errNoHandle = errors.New("record has no handle")

// Parsed is the outcome of normalizing one platform payload.
type Parsed struct {
	Programs []Program
	Skipped  []error // one entry per malformed or duplicate record
}

// adapter converts one raw platform record into a canonical program.
type adapter func(raw json.RawMessage, scopeLimit int) (Program, error)

func adapterFor(p Platform) (adapter, error) {
	switch p {
	case PlatformHackerOne:
		return adaptHackerOne, nil
	case PlatformBugcrowd:
		return adaptBugcrowd, nil
	case PlatformIntigriti:
		return adaptIntigriti, nil
	case PlatformYesWeHack:
		return adaptYesWeHack, nil
	case PlatformFederacy:
		return adaptFederacy, nil
	}
	return nil, fmt.Errorf("unknown platform %q", p)
}

// Parse normalizes a platform payload (a JSON array of program records).
// Malformed records are skipped and reported in Parsed.Skipped; only a payload
// that is not an array at all returns an error.
func Parse(raw []byte, platform Platform, scopeLimit int) (*Parsed, error) {
	adapt, err := adapterFor(platform)
	if err != nil {
		return nil, err
	}
	if scopeLimit <= 0 {
		scopeLimit = DefaultScopePreview
	}

	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrPayload, platform, err)
	}
	if records == nil {
		return nil, fmt.Errorf("%w: %s payload is not an array", ErrPayload, platform)
	}

	out := &Parsed{Programs: make([]Program, 0, len(records))}
	seen := make(map[string]bool, len(records))

	for i, rec := range records {
		p, err := adapt(rec, scopeLimit)
		if err != nil {
			out.Skipped = append(out.Skipped, fmt.Errorf("%s record %d: %w", platform, i, err))
			continue
		}
		p.Platform = platform
		p.Handle = strings.TrimSpace(p.Handle)
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			p.Name = p.Handle
		}

		key := p.Key()
		if seen[key] {
			out.Skipped = append(out.Skipped, fmt.Errorf("%s record %d: duplicate key %s", platform, i, key))
			continue
		}
		seen[key] = true
		out.Programs = append(out.Programs, p)
	}

	return out, nil
}

// scopePreview prefers the flat list whenever the payload carries one and
// falls back to the nested targets, keeping the first limit non-empty identifiers.
func scopePreview(flat *[]string, nested []string, limit int) []string {
	src := nested
	if flat != nil {
		src = *flat
	}

	scopes := make([]string, 0, min(len(src), limit))
	for _, s := range src {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		scopes = append(scopes, s)
		if len(scopes) == limit {
			break
		}
	}
	return scopes
}
