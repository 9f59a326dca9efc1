package orchestrator

import (
	"fmt"
	"strings"

	"github.com/xhad/dossier/internal/models"
)

// Assemble renders the report as markdown in section order. Sections without content are
// listed with their status and reason so nothing is dropped silently.
func Assemble(report models.Report) string {
	var b strings.Builder
	for i, s := range report.Sections {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("## %s\n\n", s.Title))
		switch {
		case s.Status == models.SectionDone:
			b.WriteString(strings.TrimSpace(s.Content))
			b.WriteString("\n")
			if s.Flagged {
				b.WriteString("\n_Flagged for review._\n")
			}
		case s.Reason != "":
			b.WriteString(fmt.Sprintf("_Section %s: %s._\n", s.Status, s.Reason))
		default:
			b.WriteString(fmt.Sprintf("_Section %s._\n", s.Status))
		}
	}
	return b.String()
}
