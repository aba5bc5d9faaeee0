package engine

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestHeadTail_CutOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("a", 3999) + "✅" + strings.Repeat("b", 10)

	h := head(long, 4000)
	assert.True(t, utf8.ValidString(h))
	assert.Equal(t, strings.Repeat("a", 3999)+"\n…", h)

	tl := tail("✅"+strings.Repeat("b", 3999), 4000)
	assert.True(t, utf8.ValidString(tl))
	assert.Equal(t, "…"+strings.Repeat("b", 3999), tl)

	assert.Equal(t, "short", head("short", 10))
	assert.Equal(t, "short", tail("  short\n", 10))
}

func TestFeedback_String(t *testing.T) {
	assert.Empty(t, Feedback{}.String())

	fb := Feedback{Human: "keep the public API", Review: "review timed out after 10m0s"}
	out := fb.String()
	assert.Contains(t, out, "## Guidance from a maintainer")
	assert.Contains(t, out, "## Review did not finish")
	assert.NotContains(t, out, "## Review findings")
	assert.False(t, fb.Empty())
}

func TestPhaseError_Retryable(t *testing.T) {
	cases := map[Kind]bool{
		KindSetup:        false,
		KindGeneration:   true,
		KindVerification: true,
		KindReview:       true,
		KindReviewInfra:  false,
		KindPackaging:    false,
		KindFinalization: false,
		KindUnexpected:   false,
	}
	for kind, want := range cases {
		assert.Equal(t, want, phaseErr(kind, "", "", nil).Retryable(), string(kind))
	}
}
