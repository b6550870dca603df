package program

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// flatScopes is the optional pre-flattened scope list some payloads carry.
// A present list wins over nested targets even when empty.
type flatScopes struct {
	Domains *[]string `json:"domains"`
}

type h1Record struct {
	flatScopes
	Handle         string `json:"handle"`
	Name           string `json:"name"`
	URL            string `json:"url"`
	OffersBounties bool   `json:"offers_bounties"`
	Targets        struct {
		InScope []struct {
			AssetIdentifier   string `json:"asset_identifier"`
			AssetType         string `json:"asset_type"`
			EligibleForBounty bool   `json:"eligible_for_bounty"`
			MaxSeverity       string `json:"max_severity"`
		} `json:"in_scope"`
	} `json:"targets"`
}

func adaptHackerOne(raw json.RawMessage, scopeLimit int) (Program, error) {
	var r h1Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Program{}, fmt.Errorf("decode hackerone record: %w", err)
	}
	if strings.TrimSpace(r.Handle) == "" {
		return Program{}, errNoHandle
	}

	var nested, severities []string
	for _, t := range r.Targets.InScope {
		nested = append(nested, t.AssetIdentifier)
		if t.MaxSeverity != "" {
			severities = append(severities, t.MaxSeverity)
		}
	}

	return Program{
		Name:         r.Name,
		Handle:       r.Handle,
		URL:          r.URL,
		OffersBounty: r.OffersBounties,
		Scopes:       scopePreview(r.Domains, nested, scopeLimit),
		MaxSeverity:  MaxSeverity(severities),
	}, nil
}

type bugcrowdRecord struct {
	flatScopes
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	MaxPayout *float64 `json:"max_payout"`
	Targets   struct {
		InScope []struct {
			Type   string `json:"type"`
			Target string `json:"target"`
			URI    string `json:"uri"`
		} `json:"in_scope"`
	} `json:"targets"`
}

func adaptBugcrowd(raw json.RawMessage, scopeLimit int) (Program, error) {
	var r bugcrowdRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return Program{}, fmt.Errorf("decode bugcrowd record: %w", err)
	}
	handle := handleFromURL(r.URL)
	if handle == "" {
		return Program{}, errNoHandle
	}

	var nested []string
	for _, t := range r.Targets.InScope {
		target := t.Target
		if strings.TrimSpace(target) == "" {
			target = t.URI
		}
		nested = append(nested, target)
	}

	return Program{
		Name:         r.Name,
		Handle:       handle,
		URL:          r.URL,
		OffersBounty: r.MaxPayout != nil && *r.MaxPayout > 0,
		Scopes:       scopePreview(r.Domains, nested, scopeLimit),
		MaxSeverity:  SeverityUnknown,
	}, nil
}

type intigritiRecord struct {
	flatScopes
	ID            string `json:"id"`
	Name          string `json:"name"`
	CompanyHandle string `json:"company_handle"`
	Handle        string `json:"handle"`
	URL           string `json:"url"`
	MaxBounty     struct {
		Value    float64 `json:"value"`
		Currency string  `json:"currency"`
	} `json:"max_bounty"`
	Targets struct {
		InScope []struct {
			Type     string `json:"type"`
			Endpoint string `json:"endpoint"`
		} `json:"in_scope"`
	} `json:"targets"`
}

func adaptIntigriti(raw json.RawMessage, scopeLimit int) (Program, error) {
	var r intigritiRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return Program{}, fmt.Errorf("decode intigriti record: %w", err)
	}

	handle := strings.TrimSpace(r.Handle)
	if company := strings.TrimSpace(r.CompanyHandle); company != "" && handle != "" {
		handle = company + "/" + handle
	}
	if handle == "" {
		handle = strings.TrimSpace(r.ID)
	}
	if handle == "" {
		return Program{}, errNoHandle
	}

	var nested []string
	for _, t := range r.Targets.InScope {
		nested = append(nested, t.Endpoint)
	}

	return Program{
		Name:         r.Name,
		Handle:       handle,
		URL:          r.URL,
		OffersBounty: r.MaxBounty.Value > 0,
		Scopes:       scopePreview(r.Domains, nested, scopeLimit),
		MaxSeverity:  SeverityUnknown,
	}, nil
}

type yesWeHackRecord struct {
	flatScopes
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	MaxBounty *float64 `json:"max_bounty"`
	Targets   struct {
		InScope []struct {
			Target string `json:"target"`
			Type   string `json:"type"`
		} `json:"in_scope"`
	} `json:"targets"`
}

func adaptYesWeHack(raw json.RawMessage, scopeLimit int) (Program, error) {
	var r yesWeHackRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return Program{}, fmt.Errorf("decode yeswehack record: %w", err)
	}
	handle := strings.TrimSpace(r.ID)
	if handle == "" {
		return Program{}, errNoHandle
	}

	link := r.URL
	if link == "" {
		link = "https://yeswehack.com/programs/" + handle
	}

	var nested []string
	for _, t := range r.Targets.InScope {
		nested = append(nested, t.Target)
	}

	return Program{
		Name:         r.Name,
		Handle:       handle,
		URL:          link,
		OffersBounty: r.MaxBounty != nil && *r.MaxBounty > 0,
		Scopes:       scopePreview(r.Domains, nested, scopeLimit),
		MaxSeverity:  SeverityUnknown,
	}, nil
}

type federacyRecord struct {
	flatScopes
	Name         string `json:"name"`
	URL          string `json:"url"`
	OffersAwards bool   `json:"offers_awards"`
	Targets      struct {
		InScope []struct {
			Target string `json:"target"`
			Type   string `json:"type"`
		} `json:"in_scope"`
	} `json:"targets"`
}

func adaptFederacy(raw json.RawMessage, scopeLimit int) (Program, error) {
	var r federacyRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return Program{}, fmt.Errorf("decode federacy record: %w", err)
	}
	handle := handleFromURL(r.URL)
	if handle == "" {
		return Program{}, errNoHandle
	}

	var nested []string
	for _, t := range r.Targets.InScope {
		nested = append(nested, t.Target)
	}

	return Program{
		Name:         r.Name,
		Handle:       handle,
		URL:          r.URL,
		OffersBounty: r.OffersAwards,
		Scopes:       scopePreview(r.Domains, nested, scopeLimit),
		MaxSeverity:  SeverityUnknown,
	}, nil
}

// handleFromURL returns the last path segment of a program URL.
func handleFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Path == "" {
		return ""
	}
	base := path.Base(strings.TrimRight(u.Path, "/"))
	if base == "/" || base == "." {
		return ""
	}
	return base
}
