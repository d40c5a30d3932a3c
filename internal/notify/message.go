package notify

import (
	"fmt"
	"strings"
	"time"
)

// ImportSummary describes one bulk blockage import.
type ImportSummary struct {
	File    string
	Anchor  string
	Decoded int
	Skipped int
	Created int
}

// FormatSuccessMessage creates a success notification body.
func FormatSuccessMessage(s *ImportSummary, duration time.Duration) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Anchor: %s\n", s.Anchor))
	sb.WriteString(fmt.Sprintf("Decoded: %d blockages\n", s.Decoded))
	sb.WriteString(fmt.Sprintf("Created: %d\n", s.Created))
	sb.WriteString(fmt.Sprintf("Skipped lines: %d\n", s.Skipped))
	sb.WriteString(fmt.Sprintf("Duration: %s", duration.Round(time.Millisecond)))

	return sb.String()
}

// FormatFailureMessage creates a failure notification body.
func FormatFailureMessage(s *ImportSummary, duration time.Duration, err error) string {
	var sb strings.Builder

	if s.Anchor != "" {
		sb.WriteString(fmt.Sprintf("Anchor: %s\n", s.Anchor))
	}
	sb.WriteString(fmt.Sprintf("Decoded: %d blockages\n", s.Decoded))
	sb.WriteString(fmt.Sprintf("Duration: %s", duration.Round(time.Millisecond)))

	if err != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", err))
	}

	return sb.String()
}
