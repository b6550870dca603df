package tracker

import (
	"io"
	"log/slog"
	"time"

	"github.com/elonfeng/bountyradar/internal/metrics"
	"github.com/elonfeng/bountyradar/internal/store"
	"github.com/elonfeng/bountyradar/pkg/program"
)

// DefaultIndexPath is the aggregate file whose history gates every cycle.
const DefaultIndexPath = "domains.txt"

// Source is one tracked per-platform data file.
type Source struct {
	Platform program.Platform
	Path     string
}

// ID is the key of the source's cursor in tracker state.
func (s Source) ID() string {
	return string(s.Platform)
}

// DefaultSources returns the platform files published by bounty-targets-data.
func DefaultSources() []Source {
	return []Source{
		{Platform: program.PlatformHackerOne, Path: "data/hackerone_data.json"},
		{Platform: program.PlatformBugcrowd, Path: "data/bugcrowd_data.json"},
		{Platform: program.PlatformIntigriti, Path: "data/intigriti_data.json"},
		{Platform: program.PlatformYesWeHack, Path: "data/yeswehack_data.json"},
		{Platform: program.PlatformFederacy, Path: "data/federacy_data.json"},
	}
}

// Options configures a Tracker. Zero values fall back to defaults.
type Options struct {
	IndexPath     string
	Sources       []Source
	Workers       int
	SourceTimeout time.Duration
	ScopePreview  int

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Journal *store.Journal
}

func (o Options) withDefaults() Options {
	if o.IndexPath == "" {
		o.IndexPath = DefaultIndexPath
	}
	if len(o.Sources) == 0 {
		o.Sources = DefaultSources()
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.SourceTimeout <= 0 {
		o.SourceTimeout = 2 * time.Minute
	}
	if o.ScopePreview <= 0 {
		o.ScopePreview = program.DefaultScopePreview
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}
