package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jward/cambium"
)

// fileReport is one file's published diagnostics, as rendered to output.
type fileReport struct {
	File        string               `json:"file"`
	Diagnostics []renderedDiagnostic `json:"diagnostics"`
}

type renderedDiagnostic struct {
	Severity string `json:"severity"`
	Line     int    `json:"line"`
	Col      int    `json:"col"`
	EndLine  int    `json:"end_line"`
	EndCol   int    `json:"end_col"`
	Message  string `json:"message"`
	Source   string `json:"source,omitempty"`
}

type checkOutput struct {
	Files     []fileReport `json:"files"`
	Checked   int          `json:"checked"`
	Unchanged int          `json:"unchanged"`
	Findings  int          `json:"findings"`
	Errors    int          `json:"errors"`
}

func renderDiagnostic(d cambium.Diagnostic) renderedDiagnostic {
	return renderedDiagnostic{
		Severity: d.Severity.String(),
		Line:     d.Range.Start.Line + 1,
		Col:      d.Range.Start.Col + 1,
		EndLine:  d.Range.End.Line + 1,
		EndCol:   d.Range.End.Col + 1,
		Message:  d.Message,
		Source:   d.Source,
	}
}

// buildReports renders per-file diagnostics in path order, dropping files
// with an empty set.
func buildReports(published map[string][]cambium.Diagnostic) []fileReport {
	files := make([]string, 0, len(published))
	for file, diags := range published {
		if len(diags) > 0 {
			files = append(files, file)
		}
	}
	sort.Strings(files)

	reports := make([]fileReport, 0, len(files))
	for _, file := range files {
		r := fileReport{File: file}
		for _, d := range published[file] {
			r.Diagnostics = append(r.Diagnostics, renderDiagnostic(d))
		}
		reports = append(reports, r)
	}
	return reports
}

// outputText writes "file:line:col: severity: message [source]" lines plus
// a run summary.
func outputText(w io.Writer, out checkOutput) {
	for _, r := range out.Files {
		for _, d := range r.Diagnostics {
			line := fmt.Sprintf("%s:%d:%d: %s: %s", r.File, d.Line, d.Col, d.Severity, d.Message)
			if d.Source != "" {
				line += fmt.Sprintf(" [%s]", d.Source)
			}
			fmt.Fprintln(w, line)
		}
	}
	fmt.Fprintf(w, "%d files checked (%d unchanged), %d findings, %d errors\n",
		out.Checked, out.Unchanged, out.Findings, out.Errors)
}

// outputJSON writes the full run report as indented JSON.
func outputJSON(w io.Writer, out checkOutput) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// validFormats lists accepted values for --format.
var validFormats = []string{"text", "json"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be %s", format, strings.Join(validFormats, " or "))
}
