package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/t77yq/task-scheduler/internal/model"
	"github.com/t77yq/task-scheduler/internal/pipeline"
)

// table renders aligned columns with a colored header
type table struct {
	headers []string
	rows    [][]string
	widths  []int
}

func newTable(headers ...string) *table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return &table{headers: headers, widths: widths}
}

func (t *table) addRow(row ...string) {
	for i, cell := range row {
		if i < len(t.widths) && len(cell) > t.widths[i] {
			t.widths[i] = len(cell)
		}
	}
	t.rows = append(t.rows, row)
}

func (t *table) render(w io.Writer) {
	header := color.New(color.FgCyan, color.Bold)
	for i, h := range t.headers {
		header.Fprintf(w, "%-*s  ", t.widths[i], h)
	}
	fmt.Fprintln(w)

	for i := range t.headers {
		fmt.Fprint(w, strings.Repeat("-", t.widths[i]), "  ")
	}
	fmt.Fprintln(w)

	for _, row := range t.rows {
		for i, cell := range row {
			if i >= len(t.widths) {
				break
			}
			// Pad before coloring so escape codes do not skew the columns.
			padded := fmt.Sprintf("%-*s", t.widths[i], cell)
			if i == statusColumn(t.headers) {
				padded = statusColor(model.TaskStatus(cell)).Sprint(padded)
			}
			fmt.Fprint(w, padded, "  ")
		}
		fmt.Fprintln(w)
	}
}

func statusColumn(headers []string) int {
	for i, h := range headers {
		if h == "STATUS" {
			return i
		}
	}
	return -1
}

func statusColor(status model.TaskStatus) *color.Color {
	switch status {
	case model.TaskStatusCompleted:
		return color.New(color.FgGreen)
	case model.TaskStatusFailed:
		return color.New(color.FgRed)
	case model.TaskStatusTimeout:
		return color.New(color.FgYellow)
	case model.TaskStatusCancelled:
		return color.New(color.FgMagenta)
	default:
		return color.New(color.Reset)
	}
}

func exitCode(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprint(*code)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, report *pipeline.Report) {
	t := newTable("STEP", "STATUS", "ATTEMPT", "DURATION", "EXIT", "ERROR")
	for _, name := range report.Order {
		r, ok := report.Results[name]
		if !ok {
			t.addRow(name, "skipped", "-", "-", "-", "")
			continue
		}
		t.addRow(name, string(r.Status), fmt.Sprint(r.Attempt), r.Duration.Round(time.Millisecond).String(),
			exitCode(r.ExitCode), truncate(r.ErrorMessage, 60))
	}
	t.render(w)

	fmt.Fprintln(w)
	if report.Success {
		color.New(color.FgGreen, color.Bold).Fprintf(w, "Pipeline %s succeeded", report.Pipeline)
	} else {
		color.New(color.FgRed, color.Bold).Fprintf(w, "Pipeline %s failed", report.Pipeline)
	}
	fmt.Fprintf(w, " in %s\n", report.Duration.Round(time.Millisecond))
}

func printHistory(w io.Writer, results []model.TaskResult) {
	t := newTable("FINISHED", "TASK", "ATTEMPT", "STATUS", "DURATION", "EXIT", "ERROR")
	for _, r := range results {
		t.addRow(r.EndTime.Local().Format(time.DateTime), r.TaskName, fmt.Sprint(r.Attempt), string(r.Status),
			r.Duration.Round(time.Millisecond).String(), exitCode(r.ExitCode), truncate(r.ErrorMessage, 60))
	}
	t.render(w)
}
