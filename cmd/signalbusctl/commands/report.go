package commands

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/yuin/goldmark"

	"github.com/signalforge/signalbus/dispatch"
)

var reportOut string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render the demo run's diagnostic ring as an HTML report",
	Long: `report runs the same demo sequence as the demo command, builds a
Markdown summary of the resulting diagnostic ring, and renders it to HTML
via goldmark. Use --out to write the report to a file instead of stdout.`,
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportOut, "out", "",
		"Write the rendered HTML report to this path instead of stdout")
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Diagnostics = "bus"

	bus, records, _, err := runDiagnosticSample(cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	md := renderMarkdown(records)

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(md), &html); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}

	if reportOut == "" {
		_, err = cmd.OutOrStdout().Write(html.Bytes())
		return err
	}
	return os.WriteFile(reportOut, html.Bytes(), 0o644)
}

// renderMarkdown builds a Markdown table summarizing records, in the style
// of a host's postmortem or debug dump.
func renderMarkdown(records []dispatch.EmissionRecord) string {
	var b strings.Builder
	b.WriteString("# signalbus diagnostics report\n\n")
	b.WriteString(fmt.Sprintf("%d emissions recorded.\n\n", len(records)))
	b.WriteString("| seq | type | shape | context | status |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, rec := range records {
		status := "ok"
		switch {
		case rec.Cancelled:
			status = "cancelled"
		case rec.Fault != nil:
			status = "fault: " + rec.Fault.Error()
		}
		b.WriteString(fmt.Sprintf("| %d | %s | %s | %s | %s |\n",
			rec.SequenceID, rec.TypeName, rec.Shape, rec.Context, status))
	}
	return b.String()
}
