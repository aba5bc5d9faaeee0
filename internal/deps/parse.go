package deps

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	blockedByLine = regexp.MustCompile(`(?im)^[ \t>*-]*\*\*blocked by:?\*\*:?[ \t]*(.*)$`)
	struckRef     = regexp.MustCompile(`~~\s*#(\d+)\s*~~`)
	plainRef      = regexp.MustCompile(`#(\d+)\b`)
)

// References are the blocker ids declared in an issue body.
type References struct {
	// Open are plain #N references.
	Open []int
	// Struck are ~~#N~~ references, already marked done by a human.
	Struck []int
}

// ParseBlockedBy extracts references from every "**Blocked by:**" line in
// body. Ids are de-duplicated in first-seen order; an id both struck and
// plain counts as open.
func ParseBlockedBy(body string) References {
	var refs References
	open := map[int]bool{}
	struck := map[int]bool{}

	for _, m := range blockedByLine.FindAllStringSubmatch(body, -1) {
		for _, token := range strings.Split(m[1], ",") {
			if sm := struckRef.FindStringSubmatch(token); sm != nil {
				if id, err := strconv.Atoi(sm[1]); err == nil && id > 0 && !struck[id] {
					struck[id] = true
					refs.Struck = append(refs.Struck, id)
				}
				token = struckRef.ReplaceAllString(token, "")
			}
			for _, pm := range plainRef.FindAllStringSubmatch(token, -1) {
				if id, err := strconv.Atoi(pm[1]); err == nil && id > 0 && !open[id] {
					open[id] = true
					refs.Open = append(refs.Open, id)
				}
			}
		}
	}

	if len(refs.Struck) > 0 && len(open) > 0 {
		kept := refs.Struck[:0]
		for _, id := range refs.Struck {
			if !open[id] {
				kept = append(kept, id)
			}
		}
		refs.Struck = nil
		if len(kept) > 0 {
			refs.Struck = kept
		}
	}
	return refs
}
