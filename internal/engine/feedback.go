package engine

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

// Feedback is what the next generation attempt learns from earlier ones.
type Feedback struct {
	// Human is reviewer or operator guidance from an override.
	Human string
	// PriorDiff is the diff of the failed attempt.
	PriorDiff string
	// Generation is the tail of a failed generation run.
	Generation string
	// Verification is extracted CI or leak-scan failure detail.
	Verification string
	// Review explains a review that could not reach a verdict in time.
	Review string
	// Findings and Advice come from a rejected review.
	Findings []job.Finding
	Advice   string
}

// Empty reports whether there is nothing to feed back.
func (f Feedback) Empty() bool {
	return f.Human == "" && f.PriorDiff == "" && f.Generation == "" &&
		f.Verification == "" && f.Review == "" && len(f.Findings) == 0 && f.Advice == ""
}

// String renders the feedback as markdown for the generator prompt.
func (f Feedback) String() string {
	if f.Empty() {
		return ""
	}
	var b strings.Builder
	if f.Human != "" {
		b.WriteString("## Guidance from a maintainer\n\n")
		b.WriteString(f.Human)
		b.WriteString("\n\n")
	}
	if f.Generation != "" {
		b.WriteString("## The previous attempt did not finish\n\n```\n")
		b.WriteString(f.Generation)
		b.WriteString("\n```\n\n")
	}
	if f.Verification != "" {
		b.WriteString("## Verification failed\n\n```\n")
		b.WriteString(f.Verification)
		b.WriteString("\n```\n\n")
	}
	if f.Review != "" {
		b.WriteString("## Review did not finish\n\n")
		b.WriteString(f.Review)
		b.WriteString("\n\n")
	}
	if len(f.Findings) > 0 || f.Advice != "" {
		b.WriteString("## Review findings to address\n\n")
		for _, fd := range f.Findings {
			loc := fd.File
			if fd.Line > 0 {
				loc = fmt.Sprintf("%s:%d", fd.File, fd.Line)
			}
			fmt.Fprintf(&b, "- [%s/%s] %s", fd.Severity, fd.Category, fd.Finding)
			if loc != "" {
				fmt.Fprintf(&b, " (%s)", loc)
			}
			if fd.Suggestion != "" {
				fmt.Fprintf(&b, "\n  Suggestion: %s", fd.Suggestion)
			}
			b.WriteString("\n")
		}
		if f.Advice != "" {
			b.WriteString("\n")
			b.WriteString(f.Advice)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if f.PriorDiff != "" {
		b.WriteString("## Diff of the previous attempt\n\n```diff\n")
		b.WriteString(f.PriorDiff)
		b.WriteString("\n```\n")
	}
	return strings.TrimSpace(b.String())
}

// tail keeps at most the last n bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "…" + s[i:]
}

// head keeps at most the first n bytes of s, ending on a rune boundary.
func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n…"
}
