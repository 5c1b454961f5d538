package hospital

import (
	"fmt"
	"strings"
)

const reportDateLayout = "2006-01-02 15:04"

// RenderReport formats an import as a plain-text lab report, one line per
// result, newest first as the source returned them.
func RenderReport(imp *Import) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Lab results from %s (%s)\n", imp.Institution, imp.Source)
	fmt.Fprintf(&b, "Period: %s to %s\n", imp.From.Format("2006-01-02"), imp.To.Format("2006-01-02"))
	fmt.Fprintf(&b, "Results: %d, flagged: %d\n\n", len(imp.Results), imp.AbnormalCount())

	for _, r := range imp.Results {
		line := fmt.Sprintf("%s  %s: %s", r.CollectedAt.Format(reportDateLayout), r.TestName, r.Value)
		if r.Unit != "" {
			line += " " + r.Unit
		}
		if r.ReferenceMin != "" || r.ReferenceMax != "" {
			line += fmt.Sprintf(" (ref %s-%s)", r.ReferenceMin, r.ReferenceMax)
		}
		if r.Abnormal() {
			line += " [" + strings.ToUpper(r.Interpretation) + "]"
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// Title names the document an import is stored under
func Title(imp *Import) string {
	return fmt.Sprintf("Lab results %s to %s", imp.From.Format("2006-01-02"), imp.To.Format("2006-01-02"))
}
