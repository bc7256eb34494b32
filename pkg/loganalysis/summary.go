package loganalysis

import (
	"fmt"

	"github.com/orcaops/orcaops/pkg/schema"
)

const (
	maxKeyEvents   = 8
	maxSuggestions = 5

	// oneLinerErrorLen keeps the headline readable in list views.
	oneLinerErrorLen = 80
)

// SummaryGenerator renders a deterministic digest of a finished run:
// a one-liner, the key events, and actionable suggestions.
type SummaryGenerator struct {
	analyzer *Analyzer
}

// NewSummaryGenerator returns a generator with its own analyzer.
func NewSummaryGenerator() *SummaryGenerator {
	return &SummaryGenerator{analyzer: NewAnalyzer()}
}

// Generate builds the summary for a record. Anomalies already attached to
// the record surface as key events and suggestions.
func (g *SummaryGenerator) Generate(record *schema.RunRecord) schema.RunSummary {
	analysis := g.analyzer.AnalyzeRecord(record)
	durationHuman := formatDuration(record.Duration().Seconds())

	stepCount := len(record.Steps)
	passed := 0
	for _, s := range record.Steps {
		if s.ExitCode == 0 {
			passed++
		}
	}

	return schema.RunSummary{
		OneLiner:    g.oneLiner(record, analysis, durationHuman),
		KeyEvents:   capSlice(g.keyEvents(record, analysis, stepCount, passed), maxKeyEvents),
		Suggestions: capSlice(g.suggestions(record, analysis), maxSuggestions),
	}
}

func (g *SummaryGenerator) oneLiner(record *schema.RunRecord, analysis LogAnalysis, durationHuman string) string {
	switch record.Status {
	case schema.StatusSuccess:
		return fmt.Sprintf("%d step(s) passed in %s", len(record.Steps), durationHuman)
	case schema.StatusFailed:
		if analysis.FirstError != "" {
			first := analysis.FirstError
			if len(first) > oneLinerErrorLen {
				first = first[:oneLinerErrorLen]
			}
			return "Failed: " + first
		}
		return "Failed after " + durationHuman
	case schema.StatusTimedOut:
		return "Timed out after " + durationHuman
	case schema.StatusCancelled:
		return "Cancelled after " + durationHuman
	}
	return fmt.Sprintf("%s in %s", record.Status, durationHuman)
}

func (g *SummaryGenerator) keyEvents(record *schema.RunRecord, analysis LogAnalysis, stepCount, passed int) []string {
	var events []string
	switch record.Status {
	case schema.StatusSuccess:
		events = append(events, fmt.Sprintf("All %d step(s) completed successfully", stepCount))
	case schema.StatusFailed:
		events = append(events, fmt.Sprintf("Failed at step %d of %d", passed+1, stepCount))
	case schema.StatusTimedOut:
		events = append(events, "Job exceeded time limit")
	case schema.StatusCancelled:
		events = append(events, "Job was cancelled by user")
	}
	if analysis.FirstError != "" && record.Status != schema.StatusSuccess {
		events = append(events, "First error: "+analysis.FirstError)
	}
	if len(record.Artifacts) > 0 {
		events = append(events, fmt.Sprintf("Collected %d artifact(s)", len(record.Artifacts)))
	}
	if record.ResourceUsage != nil && record.ResourceUsage.MemoryPeakMB > 0 {
		events = append(events, fmt.Sprintf("Peak memory: %.1f MB", record.ResourceUsage.MemoryPeakMB))
	}
	for _, a := range record.Anomalies {
		events = append(events, "Anomaly: "+a.Title)
	}
	return events
}

func (g *SummaryGenerator) suggestions(record *schema.RunRecord, analysis LogAnalysis) []string {
	var out []string
	if record.Status == schema.StatusTimedOut {
		out = append(out, "Consider increasing the timeout or optimizing the command")
	}
	if record.Status == schema.StatusFailed && len(analysis.StackTraces) > 0 {
		out = append(out, "Review the stack trace(s) for root cause")
	}
	if record.Status == schema.StatusFailed && analysis.FirstError == "" {
		out = append(out, "Check step stderr output for error details")
	}
	switch lastExitCode(record) {
	case 137:
		out = append(out, "Exit code 137 usually means the container was killed at its memory limit")
	case 127:
		out = append(out, "Exit code 127: command not found inside the image")
	case 126:
		out = append(out, "Exit code 126: command found but not executable")
	}
	for _, a := range record.Anomalies {
		switch a.Type {
		case schema.AnomalyMemory:
			out = append(out, "Memory peak exceeded the baseline; consider raising the job's memory limit")
		case schema.AnomalyFlaky:
			out = append(out, "Intermittent failures detected; consider adding retries or stabilizing the job")
		}
	}
	if analysis.WarningCount > 10 {
		out = append(out, fmt.Sprintf("%d warnings detected -- review for potential issues", analysis.WarningCount))
	}
	return out
}

// lastExitCode returns the exit code of the last executed step. Execution
// is fail-fast, so on failure that is the step that broke the run.
func lastExitCode(record *schema.RunRecord) int {
	if len(record.Steps) == 0 {
		return 0
	}
	return record.Steps[len(record.Steps)-1].ExitCode
}

func formatDuration(seconds float64) string {
	if seconds < 60 {
		return fmt.Sprintf("%.1fs", seconds)
	}
	minutes := int(seconds) / 60
	secs := int(seconds) % 60
	if minutes < 60 {
		return fmt.Sprintf("%dm %ds", minutes, secs)
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}
