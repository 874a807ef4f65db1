package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/raold/second-brain-sub001/internal/migration"
	"github.com/raold/second-brain-sub001/internal/ops"
)

// Output formats.
const (
	outputTable = "table"
	outputJSON  = "json"
)

// maxErrorsShown bounds the item errors printed under a table result.
const maxErrorsShown = 10

// Palette.
var (
	ColorHeader  = lipgloss.Color("12")
	ColorLabel   = lipgloss.Color("245")
	ColorValue   = lipgloss.Color("15")
	ColorOK      = lipgloss.Color("10")
	ColorWarning = lipgloss.Color("11")
	ColorError   = lipgloss.Color("9")
	ColorMuted   = lipgloss.Color("240")
	ColorBorder  = lipgloss.Color("238")
)

// printer writes command output as JSON or as styled tables. Styling is
// applied only when the destination is a terminal.
type printer struct {
	w      io.Writer
	json   bool
	styled bool
}

func newPrinter(cmd *cobra.Command, a *app) *printer {
	w := cmd.OutOrStdout()
	return &printer{w: w, json: a.output == outputJSON, styled: writerIsTerminal(w)}
}

func writerIsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isTerminal(f)
}

func (p *printer) style(s string, color lipgloss.Color, bold bool) string {
	if !p.styled {
		return s
	}
	return lipgloss.NewStyle().Foreground(color).Bold(bold).Render(s)
}

func (p *printer) JSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) Line(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) Muted(format string, args ...any) {
	_, _ = fmt.Fprintln(p.w, p.style(fmt.Sprintf(format, args...), ColorMuted, false))
}

// Table renders rows under headers.
func (p *printer) Table(headers []string, rows [][]string) {
	t := table.New().Headers(headers...).Rows(rows...)
	if p.styled {
		t = t.Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(ColorBorder)).
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row == table.HeaderRow {
					return lipgloss.NewStyle().Foreground(ColorHeader).Bold(true).Padding(0, 1)
				}
				return lipgloss.NewStyle().Padding(0, 1)
			})
	} else {
		t = t.Border(lipgloss.HiddenBorder()).
			StyleFunc(func(_, _ int) lipgloss.Style { return lipgloss.NewStyle().PaddingRight(2) })
	}
	_, _ = fmt.Fprintln(p.w, t.Render())
}

// KeyValues renders label/value pairs, one per line.
func (p *printer) KeyValues(pairs [][2]string) {
	width := 0
	for _, kv := range pairs {
		width = max(width, len(kv[0]))
	}
	for _, kv := range pairs {
		label := fmt.Sprintf("%-*s", width+1, kv[0]+":")
		_, _ = fmt.Fprintf(p.w, "%s %s\n", p.style(label, ColorLabel, false), p.style(kv[1], ColorValue, true))
	}
}

func (p *printer) status(s string) string {
	switch s {
	case string(ops.StatusCompleted):
		return p.style(s, ColorOK, true)
	case string(ops.StatusFailed), string(ops.StatusRolledBack):
		return p.style(s, ColorError, true)
	case string(ops.StatusCancelled), string(migration.StatusSkipped):
		return p.style(s, ColorWarning, true)
	}
	return s
}

// Result prints an operation result.
func (p *printer) Result(res *ops.Result) error {
	if p.json {
		return p.JSON(res)
	}
	pairs := [][2]string{
		{"Operation", res.OperationID},
		{"Kind", string(res.Kind)},
		{"Status", p.status(string(res.Status))},
		{"Total", strconv.Itoa(res.TotalItems)},
		{"Successful", strconv.Itoa(res.SuccessfulItems)},
		{"Failed", strconv.Itoa(res.FailedItems)},
		{"Skipped", strconv.Itoa(res.SkippedItems)},
		{"Batches", strconv.Itoa(res.Metrics.Batches)},
		{"Items/sec", strconv.FormatFloat(res.Metrics.ItemsPerSecond, 'f', 1, 64)},
		{"Elapsed", res.Metrics.Elapsed.Round(time.Millisecond).String()},
	}
	if res.ResumedFromOffset > 0 {
		pairs = append(pairs, [2]string{"Resumed from", strconv.Itoa(res.ResumedFromOffset)})
	}
	if res.CheckpointID != "" {
		pairs = append(pairs, [2]string{"Checkpoint", res.CheckpointID})
	}
	if res.RollbackPointID != "" {
		pairs = append(pairs, [2]string{"Rollback point", res.RollbackPointID})
	}
	p.KeyValues(pairs)

	if len(res.ErrorSummary) > 0 {
		kinds := make([]string, 0, len(res.ErrorSummary))
		for k := range res.ErrorSummary {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		p.Line("")
		p.Line("%s", p.style("Errors by kind", ColorHeader, true))
		for _, k := range kinds {
			p.Line("  %-22s %d", k, res.ErrorSummary[ops.ErrorKind(k)])
		}
	}
	for i, e := range res.Errors {
		if i == maxErrorsShown {
			p.Muted("  ... %d more", len(res.Errors)-maxErrorsShown)
			break
		}
		p.Line("  %s", p.style(e.String(), ColorError, false))
	}
	return nil
}

// resultError turns a result that did not complete into an ExitError.
func resultError(res *ops.Result) error {
	if res == nil || res.Status == ops.StatusCompleted {
		return nil
	}
	reason := fmt.Sprintf("operation %s %s", res.OperationID, res.Status)
	if res.Err != "" {
		reason += ": " + res.Err
	}
	return &ExitError{ExitCode: ExitOperationFailed, Reason: reason}
}

// renderError formats err for w.
func renderError(w io.Writer, err error) string {
	msg := "Error: " + err.Error()
	if writerIsTerminal(w) {
		return lipgloss.NewStyle().Foreground(ColorError).Render(msg)
	}
	return msg
}
