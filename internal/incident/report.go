package incident

import (
	"strings"
	"time"
)

// Report is a candidate incident as received from an external source such as
// a threat feed. It is checked for duplicates before anything is created.
type Report struct {
	Title           string
	Description     string
	Source          string
	PublishedAt     time.Time
	Severity        Severity
	Classifications []string
}

// ReportResult is the outcome of Service.Report.
type ReportResult struct {
	Incident   *Incident `json:"incident"`
	Duplicate  bool      `json:"duplicate"`
	Similarity float64   `json:"similarity,omitempty"`
}

// severityKeywords is scanned highest severity first.
var severityKeywords = []struct {
	severity Severity
	words    []string
}{
	{SeverityCritical, []string{"critical", "emergency", "cvss 10", "rce"}},
	{SeverityHigh, []string{"high", "severe", "cvss 9", "exploit"}},
	{SeverityMedium, []string{"medium", "moderate", "vulnerability"}},
}

// ClassifySeverity derives a severity from keywords in the title and description.
func ClassifySeverity(title, description string) Severity {
	text := strings.ToLower(title + " " + description)
	for _, sk := range severityKeywords {
		for _, w := range sk.words {
			if strings.Contains(text, w) {
				return sk.severity
			}
		}
	}
	return SeverityLow
}
