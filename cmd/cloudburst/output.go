package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"

	"github.com/cuemby/cloudburst/pkg/types"
)

// colorScheme provides color functions for table output, disabled
// automatically for non-TTY outputs so piped/redirected output stays
// plain text.
type colorScheme struct {
	header  func(format string, a ...interface{}) string
	success func(format string, a ...interface{}) string
	failure func(format string, a ...interface{}) string
	dim     func(format string, a ...interface{}) string
}

func newColorScheme(w io.Writer) colorScheme {
	f, ok := w.(*os.File)
	useColor := ok && isatty.IsTerminal(f.Fd())
	if !useColor {
		noop := color.New().Sprintf
		return colorScheme{header: noop, success: noop, failure: noop, dim: noop}
	}
	return colorScheme{
		header:  color.New(color.FgWhite, color.Bold).Sprintf,
		success: color.New(color.FgGreen).Sprintf,
		failure: color.New(color.FgRed, color.Bold).Sprintf,
		dim:     color.New(color.Faint).Sprintf,
	}
}

func newTable(w io.Writer, headers []string, colors colorScheme) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	colored := make([]string, len(headers))
	for i, h := range headers {
		colored[i] = colors.header(h)
	}
	table.SetHeader(colored)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}

// printResultTable renders a batch of cluster.Map results as a table,
// followed by a one-line success/failure summary.
func printResultTable(w io.Writer, results []*types.ResultEnvelope) error {
	colors := newColorScheme(w)
	table := newTable(w, []string{"INDEX", "STATUS", "VALUE", "MESSAGE"}, colors)

	succeeded := 0
	for i, r := range results {
		status := colors.success("ok")
		value, msg := "", ""
		if r == nil {
			status = colors.failure("lost")
		} else if r.Error {
			status = colors.failure("error")
			msg = truncate(r.Message, 60)
		} else {
			succeeded++
			value = truncate(fmt.Sprintf("%v", r.Value), 60)
		}
		table.Append([]string{fmt.Sprintf("%d", i), status, value, msg})
	}
	table.Render()

	fmt.Fprintf(w, "Summary: %s succeeded, %s failed\n",
		colors.success("%d", succeeded), colors.failure("%d", len(results)-succeeded))
	return nil
}

// printSessionStatsTable renders a session's task-state counts.
func printSessionStatsTable(w io.Writer, sessionID string, stats types.SessionStats) error {
	colors := newColorScheme(w)
	table := newTable(w, []string{"STATE", "COUNT"}, colors)
	table.Append([]string{"pending", fmt.Sprintf("%d", stats.Pending)})
	table.Append([]string{"claimed", fmt.Sprintf("%d", stats.Claimed)})
	table.Append([]string{"running", fmt.Sprintf("%d", stats.Running)})
	table.Append([]string{"completed", colors.success("%d", stats.Completed)})
	table.Append([]string{"failed", colors.failure("%d", stats.Failed)})
	table.Render()
	fmt.Fprintf(w, "session %s: %d/%d terminal\n", sessionID, stats.Completed+stats.Failed, stats.Total)
	return nil
}

// printSessionListTable renders ListSessions output.
func printSessionListTable(w io.Writer, summaries []types.SessionSummary) error {
	colors := newColorScheme(w)
	table := newTable(w, []string{"SESSION_ID", "CREATED", "LAST_ACTIVITY", "COMPLETED/TOTAL", "STATE"}, colors)
	for _, s := range summaries {
		state := "active"
		if s.Terminated {
			state = colors.dim("terminated")
		}
		table.Append([]string{
			s.SessionID,
			s.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			s.LastActivity.Format("2006-01-02T15:04:05Z07:00"),
			fmt.Sprintf("%d/%d", s.Stats.Completed, s.Stats.Total),
			state,
		})
	}
	table.Render()
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
