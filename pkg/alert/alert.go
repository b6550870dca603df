package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/elonfeng/bountyradar/pkg/program"
	"github.com/elonfeng/bountyradar/pkg/tracker"
)

// maxListed bounds how many programs chat notifiers spell out.
const maxListed = 5

// Item is one program change carried by a notification.
type Item struct {
	program.Program
	Change program.ChangeType `json:"change_type"`
}

// Notification is the data sent to alert destinations.
type Notification struct {
	Title   string                     `json:"title"`
	Body    string                     `json:"body"`
	CycleID string                     `json:"cycle_id"`
	Counts  map[program.ChangeType]int `json:"counts"`
	Items   []Item                     `json:"items"`
}

// FromResult builds a notification for an update cycle, or nil if the cycle
// found nothing.
func FromResult(res *tracker.Result) *Notification {
	if res == nil || res.Total() == 0 {
		return nil
	}

	n := &Notification{
		CycleID: res.CycleID,
		Counts: map[program.ChangeType]int{
			program.ChangeAdded:         len(res.Added),
			program.ChangeUpgraded:      len(res.Upgraded),
			program.ChangeScopeExpanded: len(res.ScopeExpanded),
		},
	}
	for _, group := range []struct {
		ct   program.ChangeType
		list []program.Program
	}{
		{program.ChangeAdded, res.Added},
		{program.ChangeUpgraded, res.Upgraded},
		{program.ChangeScopeExpanded, res.ScopeExpanded},
	} {
		for _, p := range group.list {
			n.Items = append(n.Items, Item{Program: p, Change: group.ct})
		}
	}

	n.Title = fmt.Sprintf("%d bug bounty program changes", res.Total())
	if res.Total() == 1 {
		n.Title = "1 bug bounty program change"
	}

	var parts []string
	if c := len(res.Added); c > 0 {
		parts = append(parts, fmt.Sprintf("%d new", c))
	}
	if c := len(res.Upgraded); c > 0 {
		parts = append(parts, fmt.Sprintf("%d now paying bounties", c))
	}
	if c := len(res.ScopeExpanded); c > 0 {
		parts = append(parts, fmt.Sprintf("%d expanded scope", c))
	}
	n.Body = strings.Join(parts, ", ")
	return n
}

// Label is a short human description of a change type.
func Label(ct program.ChangeType) string {
	switch ct {
	case program.ChangeAdded:
		return "new"
	case program.ChangeUpgraded:
		return "now paid"
	case program.ChangeScopeExpanded:
		return "scope expanded"
	}
	return string(ct)
}

// listed returns the items chat notifiers spell out and how many were left out.
func (n *Notification) listed() ([]Item, int) {
	if len(n.Items) <= maxListed {
		return n.Items, 0
	}
	return n.Items[:maxListed], len(n.Items) - maxListed
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return m != nil && len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	if !m.HasNotifiers() || n == nil {
		return nil
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}
