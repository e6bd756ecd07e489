package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kimhsiao/fieldsync/internal/models"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/status"
)

// styles are bound to the output writer so ANSI codes are stripped when it is
// not a terminal.
type styles struct {
	title lipgloss.Style
	label lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
	dim   lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		title: r.NewStyle().Bold(true),
		label: r.NewStyle().Width(16),
		ok:    r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("3")),
		bad:   r.NewStyle().Foreground(lipgloss.Color("1")),
		dim:   r.NewStyle().Faint(true),
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

// renderStatus writes a status summary.
func renderStatus(w io.Writer, s status.Snapshot) {
	st := newStyles(w)
	line := func(label, value string) {
		fmt.Fprintf(w, "%s%s\n", st.label.Render(label), value)
	}

	fmt.Fprintln(w, st.title.Render("Sync status"))

	online := st.ok.Render("online")
	if !s.Online {
		online = st.warn.Render("offline")
	}
	line("Connectivity", online)

	syncing := "idle"
	if s.IsSyncing {
		syncing = st.ok.Render("syncing")
	}
	line("State", syncing)

	pending := fmt.Sprintf("%d", s.PendingCount)
	if s.PendingCount > 0 {
		pending = st.warn.Render(pending)
	}
	line("Pending", pending)

	conflicts := fmt.Sprintf("%d", s.ConflictCount)
	if s.ConflictCount > 0 {
		conflicts = st.bad.Render(conflicts)
	}
	line("Conflicts", conflicts)
	line("Last sync", formatTime(s.LastSyncTime))

	if len(s.RecentErrors) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, st.title.Render("Recent errors"))
	for _, e := range s.RecentErrors {
		ts := e.Timestamp
		id := e.MutationID
		if id == "" {
			id = "cycle"
		}
		fmt.Fprintf(w, "  %s %s %s\n", st.dim.Render(formatTime(&ts)), id, st.bad.Render(e.Message))
	}
}

// renderResult writes the outcome of one sync cycle.
func renderResult(w io.Writer, r *syncpkg.SyncResult) {
	st := newStyles(w)
	if r.Skipped {
		fmt.Fprintln(w, st.warn.Render(fmt.Sprintf("Sync skipped (%s)", r.SkipReason)))
		return
	}
	fmt.Fprintln(w, st.ok.Render(fmt.Sprintf("%s sync completed in %s", r.Kind, r.Duration.Round(time.Millisecond))))
	fmt.Fprintf(w, "  uploaded %d, downloaded %d, retried %d, dropped %d, deferred %d, conflicts %d\n",
		r.Drain.Applied, r.Downloaded(), r.Drain.Retried, r.Drain.Dropped, r.Drain.Deferred, r.Drain.Escalated)
}

func payloadSummary(p models.Record) string {
	if len(p) == 0 {
		return "{}"
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "<unprintable>"
	}
	s := string(b)
	if len(s) > 72 {
		s = s[:69] + "..."
	}
	return s
}

// renderConflict writes one conflict entry.
func renderConflict(w io.Writer, st styles, c models.Conflict) {
	target := c.ResourceType
	if c.RecordID != "" {
		target += "/" + c.RecordID
	}
	fmt.Fprintf(w, "%s  %s %s  %s\n",
		st.title.Render(c.ID), c.Kind, target, st.warn.Render(string(c.Reason)))
	if c.Message != "" {
		fmt.Fprintf(w, "    %s\n", c.Message)
	}
	fmt.Fprintf(w, "    %s %s\n", st.dim.Render(formatTime(&c.ConflictDetectedAt)), payloadSummary(c.Payload))
}

// renderConflicts writes a conflict list under a banner.
func renderConflicts(w io.Writer, conflicts []models.Conflict) {
	if len(conflicts) == 0 {
		fmt.Fprintln(w, "No sync conflicts.")
		return
	}
	st := newStyles(w)
	noun := "conflict"
	if len(conflicts) != 1 {
		noun = "conflicts"
	}
	fmt.Fprintln(w, st.warn.Render(fmt.Sprintf("⚠ %d sync %s need attention:", len(conflicts), noun)))
	fmt.Fprintln(w)
	for _, c := range conflicts {
		renderConflict(w, st, c)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, st.dim.Render("Run 'syncd conflicts resolve' to resolve."))
}
