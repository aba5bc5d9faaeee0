package secrets

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/issuepilot/internal/logging"
)

// Finding is one detected secret. The secret itself is never kept.
type Finding struct {
	RuleID string
	File   string
	Line   int
}

func (f Finding) String() string {
	if f.Line > 0 {
		return fmt.Sprintf("%s at %s:%d", f.RuleID, f.File, f.Line)
	}
	return fmt.Sprintf("%s in %s", f.RuleID, f.File)
}

// Scanner checks the lines a diff adds.
type Scanner struct {
	userAllowlist string
	logger        *logging.Logger
}

// NewScanner creates a Scanner. userAllowlist is an optional operator
// allowlist file merged with each repository's own.
func NewScanner(userAllowlist string, logger *logging.Logger) *Scanner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scanner{userAllowlist: userAllowlist, logger: logger.Named("secrets")}
}

// ScanDiff returns a description of every secret in the added lines of diff.
func (s *Scanner) ScanDiff(ctx context.Context, dir, diff string) ([]string, error) {
	findings, err := s.Scan(ctx, dir, diff)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.String())
	}
	return out, nil
}

// Scan returns the findings in the added lines of diff.
func (s *Scanner) Scan(ctx context.Context, dir, diff string) ([]Finding, error) {
	allow, err := LoadAllowlists(dir, s.userAllowlist)
	if err != nil {
		return nil, err
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks rules: %w", err)
	}
	applyAllowlist(&detector.Config, allow)

	skip := make([]*regexp.Regexp, 0, len(allow.Paths))
	for _, p := range allow.Paths {
		skip = append(skip, regexp.MustCompile(p))
	}

	var findings []Finding
	for _, file := range addedLines(diff) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if matchesAny(skip, file.path) {
			continue
		}
		for _, f := range detector.DetectString(strings.Join(file.text, "\n")) {
			findings = append(findings, Finding{RuleID: f.RuleID, File: file.path, Line: file.lineAt(f.StartLine)})
		}
	}
	sort.Slice(findings, func(i, k int) bool {
		if findings[i].File != findings[k].File {
			return findings[i].File < findings[k].File
		}
		return findings[i].Line < findings[k].Line
	})
	if len(findings) > 0 {
		s.logger.Warn(ctx, "secrets detected in change", zap.Int("findings", len(findings)))
	}
	return findings, nil
}

// applyAllowlist adds content patterns to the gitleaks configuration. Paths
// are filtered before detection.
func applyAllowlist(cfg *gitleaksConfig.Config, allow *Allowlist) {
	if len(allow.Regexes) == 0 {
		return
	}
	global := &gitleaksConfig.Allowlist{Description: "issuepilot allowlist"}
	for _, pattern := range allow.Regexes {
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(pattern)))
	}
	global.StopWords = append(global.StopWords, allow.Regexes...)
	cfg.Allowlists = append(cfg.Allowlists, global)
}

type fileAdditions struct {
	path  string
	text  []string
	lines []int
}

// lineAt maps a line index within the joined additions back to the new file.
func (f *fileAdditions) lineAt(i int) int {
	if i >= 0 && i < len(f.lines) {
		return f.lines[i]
	}
	return 0
}

// addedLines groups the "+" lines of a unified diff by destination file.
func addedLines(diff string) []*fileAdditions {
	var files []*fileAdditions
	var cur *fileAdditions
	line := 0
	for _, l := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(l, "+++ "):
			path := strings.TrimPrefix(strings.TrimPrefix(l, "+++ "), "b/")
			if path == "/dev/null" {
				cur = nil
				continue
			}
			cur = &fileAdditions{path: path}
			files = append(files, cur)
		case strings.HasPrefix(l, "@@"):
			line = hunkStart(l)
		case cur == nil:
		case strings.HasPrefix(l, "+"):
			cur.text = append(cur.text, l[1:])
			cur.lines = append(cur.lines, line)
			line++
		case strings.HasPrefix(l, " "):
			line++
		}
	}
	return files
}

// hunkStart parses the new-file start line of "@@ -a,b +c,d @@".
func hunkStart(header string) int {
	i := strings.Index(header, "+")
	if i < 0 {
		return 0
	}
	rest := header[i+1:]
	end := strings.IndexAny(rest, ", ")
	if end < 0 {
		return 0
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return n
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
