package analysis

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guardloop/internal/store"
)

func TestScan_DetectsLoopingAsCritical(t *testing.T) {
	d := NewFailureDetector(zap.NewNop())
	failures := d.Scan("Stack overflow, infinite recursion detected", "claude")

	require.NotEmpty(t, failures)
	var looping *DetectedFailure
	for i := range failures {
		if failures[i].Category == "Looping" {
			looping = &failures[i]
			break
		}
	}
	require.NotNil(t, looping, "Looping category must fire")
	assert.Equal(t, store.SeverityCritical, looping.Severity)
	assert.Equal(t, "claude", looping.Tool)
	assert.NotEmpty(t, looping.Suggestion)
}

func TestScan_DetectsFileOverwriteSigils(t *testing.T) {
	d := NewFailureDetector(zap.NewNop())

	tests := []struct {
		name string
		in   string
	}{
		{"parens", "content )))))))))) corrupted"},
		{"zeros", "value 00000000000000 here"},
		{"hashes", "x ############ y"},
		{"equals", "x ============ y"},
		{"stars", "x ************ y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failures := d.Scan(tt.in, "")
			found := false
			for _, f := range failures {
				if f.Category == "File Overwrite" {
					found = true
					assert.Equal(t, store.SeverityCritical, f.Severity)
				}
			}
			assert.True(t, found)
		})
	}
}

func TestScan_SortedBySeverityDescending(t *testing.T) {
	d := NewFailureDetector(zap.NewNop())
	text := "The tooltip is missing. Also sql injection risk found. Connection failed on retry."
	failures := d.Scan(text, "")
	require.NotEmpty(t, failures)

	for i := 1; i < len(failures); i++ {
		assert.GreaterOrEqual(t, failures[i-1].Severity.Rank(), failures[i].Severity.Rank(),
			"failures must be ordered critical first")
	}
}

func TestScan_DeduplicatesByContext(t *testing.T) {
	d := NewFailureDetector(zap.NewNop())
	// Two identical matches in the same narrow context collapse to one.
	failures := d.Scan("jwt jwt", "")

	count := 0
	for _, f := range failures {
		if f.Category == "JWT/Auth" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestScan_CleanTextYieldsNothing(t *testing.T) {
	d := NewFailureDetector(zap.NewNop())
	assert.Empty(t, d.Scan("a perfectly pleasant sentence about gardening", ""))
}

func TestCategories_Closed(t *testing.T) {
	d := NewFailureDetector(zap.NewNop())
	cats := d.Categories()
	assert.Len(t, cats, 20)
	assert.Contains(t, cats, "Looping")
	assert.Contains(t, cats, "File Overwrite")
	assert.Contains(t, cats, "Security")
}

func TestExtractContext_Window(t *testing.T) {
	words := make([]string, 100)
	for i := range words {
		words[i] = "w"
	}
	text := strings.Join(words, " ")

	ctx := extractContext(text, len(text)/2, 20)
	n := len(strings.Fields(ctx))
	assert.LessOrEqual(t, n, 21)
	assert.Greater(t, n, 0)
}
