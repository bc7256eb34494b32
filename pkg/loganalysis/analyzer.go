// Package loganalysis extracts errors, warnings and stack traces from step
// output and renders deterministic run summaries. Detection is regex based:
// the same input always yields the same analysis.
package loganalysis

import (
	"regexp"
	"strings"

	"github.com/orcaops/orcaops/pkg/schema"
)

const (
	maxStackTraces  = 5
	maxErrorLines   = 20
	maxWarningLines = 10
	maxLineLength   = 200
)

var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(error|exception|fatal)\b[:\s]`),
	regexp.MustCompile(`(?i)\btraceback\b`),
	regexp.MustCompile(`(?i)\bfailed\b[:\s]`),
	regexp.MustCompile(`exit code [1-9]\d*`),
	regexp.MustCompile(`(?i)\bpanic\b[:\s]`),
	regexp.MustCompile(`(?i)undefined reference`),
}

var warningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(warning|warn)\b[:\s]`),
	regexp.MustCompile(`(?i)\bdeprecated\b`),
}

// stackTraceStart matches the opening line of Python, Node, Go and Java
// stack traces respectively.
var stackTraceStart = []*regexp.Regexp{
	regexp.MustCompile(`Traceback \(most recent call last\)`),
	regexp.MustCompile(`^\s+at\s+.+\(.+:\d+:\d+\)`),
	regexp.MustCompile(`^goroutine \d+ \[`),
	regexp.MustCompile(`^\s+at\s+[\w.$]+\([\w.]+\.java:\d+\)`),
}

// LogAnalysis is the result of scanning captured output.
type LogAnalysis struct {
	ErrorCount   int      `json:"error_count"`
	WarningCount int      `json:"warning_count"`
	FirstError   string   `json:"first_error,omitempty"`
	ErrorLines   []string `json:"error_lines,omitempty"`
	WarningLines []string `json:"warning_lines,omitempty"`
	StackTraces  []string `json:"stack_traces,omitempty"`
}

// Analyzer scans step output for error and warning patterns and collects
// stack traces. It is stateless and safe for concurrent use.
type Analyzer struct{}

// NewAnalyzer returns a ready analyzer.
func NewAnalyzer() *Analyzer { return &Analyzer{} }

// AnalyzeStep scans one step's combined stdout and stderr.
func (a *Analyzer) AnalyzeStep(step schema.StepResult) LogAnalysis {
	return a.AnalyzeText(step.Stdout + "\n" + step.Stderr)
}

// AnalyzeRecord aggregates the analysis of every step of a run.
func (a *Analyzer) AnalyzeRecord(record *schema.RunRecord) LogAnalysis {
	var out LogAnalysis
	for _, step := range record.Steps {
		sa := a.AnalyzeStep(step)
		out.ErrorCount += sa.ErrorCount
		out.WarningCount += sa.WarningCount
		if out.FirstError == "" {
			out.FirstError = sa.FirstError
		}
		out.StackTraces = append(out.StackTraces, sa.StackTraces...)
		out.ErrorLines = append(out.ErrorLines, sa.ErrorLines...)
		out.WarningLines = append(out.WarningLines, sa.WarningLines...)
	}
	out.StackTraces = capSlice(out.StackTraces, maxStackTraces)
	out.ErrorLines = capSlice(out.ErrorLines, maxErrorLines)
	out.WarningLines = capSlice(out.WarningLines, maxWarningLines)
	return out
}

// AnalyzeText scans raw text line by line. Stack trace grouping is a small
// state machine: a start pattern opens a trace, indented or continuation
// lines extend it, and a flush-left line closes it (kept when it looks
// like the final exception line).
func (a *Analyzer) AnalyzeText(text string) LogAnalysis {
	var out LogAnalysis
	var currentTrace []string
	inTrace := false

	flush := func() {
		if inTrace && len(currentTrace) > 0 {
			out.StackTraces = append(out.StackTraces, strings.Join(currentTrace, "\n"))
		}
		currentTrace = nil
		inTrace = false
	}

	for _, line := range strings.Split(text, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			flush()
			continue
		}

		// Start patterns look at the raw line: indentation matters.
		isTraceStart := false
		for _, pat := range stackTraceStart {
			if pat.MatchString(line) {
				flush()
				currentTrace = []string{stripped}
				inTrace = true
				isTraceStart = true
				break
			}
		}

		if !isTraceStart && inTrace {
			indented := strings.HasPrefix(line, "  ") || strings.HasPrefix(line, "\t")
			continuation := strings.HasPrefix(stripped, "Caused by") || strings.HasPrefix(stripped, "...")
			switch {
			case indented || continuation:
				currentTrace = append(currentTrace, stripped)
			default:
				if strings.Contains(stripped, ":") {
					currentTrace = append(currentTrace, stripped)
				}
				out.StackTraces = append(out.StackTraces, strings.Join(currentTrace, "\n"))
				currentTrace = nil
				inTrace = false
			}
		}

		matched := false
		for _, pat := range errorPatterns {
			if pat.MatchString(stripped) {
				out.ErrorCount++
				truncated := truncateLine(stripped)
				out.ErrorLines = append(out.ErrorLines, truncated)
				if out.FirstError == "" {
					out.FirstError = truncated
				}
				matched = true
				break
			}
		}
		if !matched {
			for _, pat := range warningPatterns {
				if pat.MatchString(stripped) {
					out.WarningCount++
					out.WarningLines = append(out.WarningLines, truncateLine(stripped))
					break
				}
			}
		}
	}
	flush()

	out.StackTraces = capSlice(out.StackTraces, maxStackTraces)
	out.ErrorLines = capSlice(out.ErrorLines, maxErrorLines)
	out.WarningLines = capSlice(out.WarningLines, maxWarningLines)
	return out
}

func truncateLine(s string) string {
	if len(s) > maxLineLength {
		return s[:maxLineLength]
	}
	return s
}

func capSlice(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
