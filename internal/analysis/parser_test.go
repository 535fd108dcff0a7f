package analysis

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleResponse = "Here is the implementation.\n\n" +
	"```python\n# src/auth/login.py\ndef login(user):\n    return token\n```\n\n" +
	"Run: `pip install pyjwt`\n\n" +
	"$ npm install\n\n" +
	"The handler lives in src/auth/login.py and covers the main flow.\n\n" +
	"Test coverage: 100% coverage achieved.\n"

func TestParse_WellFormedResponse(t *testing.T) {
	p := NewParser(zap.NewNop())
	resp := p.Parse(sampleResponse)

	require.Len(t, resp.CodeBlocks, 1)
	assert.Equal(t, "python", resp.CodeBlocks[0].Language)
	assert.Contains(t, resp.CodeBlocks[0].Content, "def login")

	require.NotNil(t, resp.TestCoverage)
	assert.Equal(t, 100.0, *resp.TestCoverage)

	assert.Contains(t, resp.Commands, "npm install")
	assert.Contains(t, resp.FilePaths, "src/auth/login.py")
	assert.NotEmpty(t, resp.Explanations)
}

func TestParse_IsTotal(t *testing.T) {
	p := NewParser(zap.NewNop())
	inputs := []string{
		"",
		"```",
		"``` ```",
		"no structure at all",
		"```unclosed\ncode",
		"\x00\xff binary-ish",
		"%%%%% $$$$$",
	}
	for _, in := range inputs {
		resp := p.Parse(in)
		require.NotNil(t, resp)
	}
}

func TestParse_Deterministic(t *testing.T) {
	p := NewParser(zap.NewNop())
	a := p.Parse(sampleResponse)
	b := p.Parse(sampleResponse)
	assert.Empty(t, cmp.Diff(a, b), "parsing the same text must return equal structures")
}

func TestExtractCodeBlocks_DefaultsToText(t *testing.T) {
	p := NewParser(zap.NewNop())
	blocks := p.ExtractCodeBlocks("```\nplain fence\n```")
	require.Len(t, blocks, 1)
	assert.Equal(t, "text", blocks[0].Language)
}

func TestExtractCodeBlocks_FilePathFromFirstLine(t *testing.T) {
	p := NewParser(zap.NewNop())
	blocks := p.ExtractCodeBlocks("```go\n// File: cmd/main.go\npackage main\n```")
	require.Len(t, blocks, 1)
	assert.Equal(t, "cmd/main.go", blocks[0].FilePath)
}

func TestExtractTestCoverage_Bounds(t *testing.T) {
	p := NewParser(zap.NewNop())

	tests := []struct {
		name string
		in   string
		want *float64
	}{
		{"plain", "85% coverage", ptr(85.0)},
		{"labelled", "coverage is 92.5%", ptr(92.5)},
		{"tested", "70% tested", ptr(70.0)},
		{"over 100 rejected", "450% coverage", nil},
		{"absent", "no numbers here", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.ExtractTestCoverage(tt.in)
			if tt.want == nil {
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.Equal(t, *tt.want, *got)
			}
		})
	}
}

func TestExtractFilePaths_FiltersInvalid(t *testing.T) {
	p := NewParser(zap.NewNop())
	paths := p.ExtractFilePaths("see /etc/app/config.yaml and ./src/main.go but not /bin/noext or word.doc")
	assert.Contains(t, paths, "/etc/app/config.yaml")
	assert.Contains(t, paths, "./src/main.go")
	assert.NotContains(t, paths, "/bin/noext")
	assert.NotContains(t, paths, "word.doc")
}

func TestLanguageFromPath(t *testing.T) {
	assert.Equal(t, "go", LanguageFromPath("cmd/main.go"))
	assert.Equal(t, "python", LanguageFromPath("app.py"))
	assert.Equal(t, "", LanguageFromPath("binary.exe"))
}

func ptr(f float64) *float64 { return &f }
