package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/elonfeng/bountyradar/pkg/alert"
	"github.com/elonfeng/bountyradar/pkg/program"
	"github.com/elonfeng/bountyradar/pkg/tracker"
)

// parseWindow accepts "48" (hours), "24h" or "7d".
func parseWindow(raw string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	unit := time.Hour
	switch {
	case strings.HasSuffix(s, "d"):
		unit = 24 * time.Hour
		s = strings.TrimSuffix(s, "d")
	case strings.HasSuffix(s, "h"):
		s = strings.TrimSuffix(s, "h")
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid --last value %q (want e.g. 48, 24h or 7d)", raw)
	}
	return time.Duration(n) * unit, nil
}

func formatWindow(d time.Duration) string {
	if d <= 0 {
		return "retention window"
	}
	if d%(24*time.Hour) == 0 {
		return fmt.Sprintf("last %dd", d/(24*time.Hour))
	}
	return fmt.Sprintf("last %dh", d/time.Hour)
}

func printResult(w io.Writer, res *tracker.Result) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "UPDATE SUMMARY")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "New programs:       %d\n", len(res.Added))
	fmt.Fprintf(w, "Scope expansions:   %d\n", len(res.ScopeExpanded))
	fmt.Fprintf(w, "Upgraded to paid:   %d\n", len(res.Upgraded))
	fmt.Fprintf(w, "Platforms checked:  %d\n", res.SourcesChecked)
	if len(res.FailedSources) > 0 {
		fmt.Fprintf(w, "Failed platforms:   %s\n", strings.Join(res.FailedSources, ", "))
	}
	fmt.Fprintf(w, "Duration:           %.1fs\n", float64(res.DurationMs)/1000)
	fmt.Fprintln(w, rule)

	if len(res.Added) > 0 {
		fmt.Fprintln(w, "\nNEW PROGRAMS:")
		for i, p := range res.Added {
			fmt.Fprintf(w, "\n%d. [%s] %s\n", i+1, strings.ToUpper(string(p.Platform)), p.Name)
			fmt.Fprintf(w, "   URL: %s\n", p.URL)
			fmt.Fprintf(w, "   Bounty: %s\n", bountyLabel(p.OffersBounty))
			fmt.Fprintf(w, "   Max Severity: %s\n", p.MaxSeverity)
			fmt.Fprintf(w, "   Scopes: %s\n", previewScopes(p.Scopes, 3))
		}
	}

	if len(res.Upgraded) > 0 {
		fmt.Fprintln(w, "\nUPGRADED TO PAID:")
		for i, p := range res.Upgraded {
			fmt.Fprintf(w, "%d. [%s] %s - %s\n", i+1, strings.ToUpper(string(p.Platform)), p.Name, p.URL)
		}
	}

	if len(res.ScopeExpanded) > 0 {
		fmt.Fprintln(w, "\nSCOPE EXPANSIONS:")
		for i, p := range res.ScopeExpanded {
			fmt.Fprintf(w, "%d. [%s] %s - %d scopes\n", i+1, strings.ToUpper(string(p.Platform)), p.Name, len(p.Scopes))
		}
	}
}

func printChanges(w io.Writer, changes []program.Change, window time.Duration) {
	fmt.Fprintf(w, "Bug bounty program changes (%s)\n\n", formatWindow(window))
	if len(changes) == 0 {
		fmt.Fprintln(w, "No programs found.")
		return
	}

	for i, c := range changes {
		fmt.Fprintf(w, "%d. [%s] %s (%s)\n", i+1, strings.ToUpper(string(c.Platform)), c.Name, alert.Label(c.Type))
		fmt.Fprintf(w, "   URL: %s\n", c.URL)
		fmt.Fprintf(w, "   Bounty: %s\n", bountyLabel(c.OffersBounty))
		if c.MaxSeverity != "" && c.MaxSeverity != program.SeverityUnknown {
			fmt.Fprintf(w, "   Max Severity: %s\n", strings.ToUpper(string(c.MaxSeverity)))
		}
		fmt.Fprintf(w, "   Scopes (%d):\n", len(c.Scopes))
		for _, s := range firstN(c.Scopes, 5) {
			fmt.Fprintf(w, "     - %s\n", s)
		}
		if len(c.Scopes) > 5 {
			fmt.Fprintf(w, "     ... and %d more\n", len(c.Scopes)-5)
		}
		fmt.Fprintf(w, "   Detected: %s\n\n", c.DetectedAt.Local().Format(time.RFC1123))
	}
	fmt.Fprintf(w, "Total: %d change(s)\n", len(changes))
}

func printPrograms(w io.Writer, programs []program.Program) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PLATFORM\tHANDLE\tBOUNTY\tSEVERITY\tSCOPES\tLAST SEEN")
	for _, p := range programs {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%d\t%s\n",
			p.Platform, p.Handle, p.OffersBounty, p.MaxSeverity,
			len(p.Scopes), p.LastSeenAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func bountyLabel(paid bool) string {
	if paid {
		return "Paid"
	}
	return "No (VDP only)"
}

func previewScopes(scopes []string, n int) string {
	out := strings.Join(firstN(scopes, n), ", ")
	if len(scopes) > n {
		out += "..."
	}
	return out
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
