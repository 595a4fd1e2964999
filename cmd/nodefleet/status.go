package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/tomyedwab/nodefleet/fleet"
	"github.com/tomyedwab/nodefleet/fleet/audit"
	"github.com/tomyedwab/nodefleet/fleet/orchestrator"
	"github.com/tomyedwab/nodefleet/fleet/service"
)

var statusHeaders = []string{"NAME", "PORT", "VERSION", "STATUS", "SERVICE", "PEER ID"}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	runningStyle = cellStyle.Foreground(lipgloss.Color("2"))
	problemStyle = cellStyle.Foreground(lipgloss.Color("1"))
	removedStyle = cellStyle.Foreground(lipgloss.Color("8"))
)

func statusRows(statuses []orchestrator.InstanceStatus) [][]string {
	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		rec := st.Record
		live := st.State.String()
		if st.Err != nil {
			live = "error: " + st.Err.Error()
		}
		if rec.Status == fleet.StatusRemoved {
			live = "-"
		}
		peer := rec.PeerID
		if peer == "" {
			peer = "-"
		}
		rows = append(rows, []string{
			rec.ServiceName,
			strconv.Itoa(rec.RPCPort),
			rec.Version,
			rec.Status.String(),
			live,
			peer,
		})
	}
	return rows
}

// mismatch reports whether the recorded status disagrees with the host.
func mismatch(st orchestrator.InstanceStatus) bool {
	if st.Err != nil {
		return true
	}
	return st.Record.Status == fleet.StatusRunning && st.State != service.StateRunning
}

// renderStatus draws the status table. Rows whose recorded status
// disagrees with the service manager are highlighted.
func renderStatus(statuses []orchestrator.InstanceStatus) string {
	rows := statusRows(statuses)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(statusHeaders...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if row < 0 || row >= len(statuses) {
				return cellStyle
			}
			st := statuses[row]
			switch {
			case st.Record.Status == fleet.StatusRemoved:
				return removedStyle
			case mismatch(st):
				return problemStyle
			case st.Record.Status == fleet.StatusRunning:
				return runningStyle
			default:
				return cellStyle
			}
		})
	return t.String()
}

func writePlainStatus(w io.Writer, statuses []orchestrator.InstanceStatus) {
	for _, row := range statusRows(statuses) {
		for i, cell := range row {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprint(w, cell)
		}
		fmt.Fprintln(w)
	}
}

// writeHistory prints events newest first, one per line.
func writeHistory(w io.Writer, events []audit.LifecycleEvent) {
	for _, e := range events {
		detail := e.Detail
		if detail == "" {
			detail = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339),
			shortID(e.InvocationID), e.EventType, e.ServiceName, e.Outcome, detail)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
