// Package analysis turns raw tool output into structured data and grades it:
// the parser extracts code blocks, paths, and commands; the validator applies
// static policy rules; the failure detector matches known failure signatures.
package analysis

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// CodeBlock is one fenced code block from the tool output.
type CodeBlock struct {
	Language string `json:"language"`
	Content  string `json:"content"`
	FilePath string `json:"file_path,omitempty"`
}

// ParsedResponse is the structured view of a raw tool response.
type ParsedResponse struct {
	CodeBlocks   []CodeBlock    `json:"code_blocks"`
	FilePaths    []string       `json:"file_paths"`
	Commands     []string       `json:"commands"`
	Explanations []string       `json:"explanations"`
	TestCoverage *float64       `json:"test_coverage,omitempty"`
	Metadata     map[string]any `json:"metadata"`
}

// Parser extracts structure from AI responses. Parsing is total: any input
// yields a response, ambiguous inputs just produce empty collections.
type Parser struct {
	logger *zap.Logger
}

// NewParser builds a parser.
func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

var (
	codeBlockRe = regexp.MustCompile("(?s)```(\\w+)?\\n(.*?)```")

	filePathRes = []*regexp.Regexp{
		regexp.MustCompile(`(?:^|\s)([a-zA-Z]:/[^\s]+)`),             // Windows absolute
		regexp.MustCompile(`(?:^|\s)(/[^\s]+\.[a-zA-Z0-9]+)`),        // Unix absolute
		regexp.MustCompile(`(?:^|\s)(\.{1,2}/[^\s]+)`),               // relative
		regexp.MustCompile(`(?:File|Path|Location):\s*([^\n]+)`),     // explicit mention
		regexp.MustCompile("in\\s+`?([a-zA-Z_][a-zA-Z0-9_/\\\\.]+\\.[a-zA-Z0-9]+)`?"), // "in file.py"
	}

	commandRes = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^\$\s+(.+)$`),
		regexp.MustCompile(`(?m)^>\s+(.+)$`),
		regexp.MustCompile(`(?m)^(?:npm|pip|dotnet|cargo|go)\s+(.+)$`),
		regexp.MustCompile("(?mi)Run:\\s*`?(.+?)`?$"),
		regexp.MustCompile("(?mi)Execute:\\s*`?(.+?)`?$"),
	}

	coverageRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*%\s*coverage`),
		regexp.MustCompile(`(?i)coverage(?:\s+is)?\s*:?\s*(\d+(?:\.\d+)?)\s*%`),
		regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*%\s*tested`),
	}

	securityMentionRe = regexp.MustCompile(`(?i)\b(security|authentication|authorization|encryption)\b`)
	testMentionRe     = regexp.MustCompile(`(?i)\b(test|testing|unit test|e2e|integration test)\b`)
	errorHandlingRe   = regexp.MustCompile(`(?i)\b(try|catch|error|exception|handle)\b`)
)

// languageExtensions maps language names to recognised file extensions.
var languageExtensions = map[string][]string{
	"python":     {".py", ".pyw"},
	"javascript": {".js", ".jsx", ".mjs"},
	"typescript": {".ts", ".tsx"},
	"java":       {".java"},
	"csharp":     {".cs"},
	"c":          {".c", ".h"},
	"cpp":        {".cpp", ".cc", ".cxx", ".hpp", ".hh"},
	"go":         {".go"},
	"rust":       {".rs"},
	"ruby":       {".rb"},
	"php":        {".php"},
	"swift":      {".swift"},
	"kotlin":     {".kt"},
	"sql":        {".sql"},
	"html":       {".html", ".htm"},
	"css":        {".css", ".scss", ".sass"},
	"yaml":       {".yaml", ".yml"},
	"json":       {".json"},
	"xml":        {".xml"},
	"markdown":   {".md"},
	"bash":       {".sh", ".bash"},
}

var extraTextExtensions = map[string]bool{
	".txt": true, ".log": true, ".config": true, ".env": true,
}

// Parse extracts all structured components from text.
func (p *Parser) Parse(text string) *ParsedResponse {
	resp := &ParsedResponse{
		CodeBlocks:   p.ExtractCodeBlocks(text),
		FilePaths:    p.ExtractFilePaths(text),
		Commands:     p.ExtractCommands(text),
		Explanations: p.ExtractExplanations(text),
		TestCoverage: p.ExtractTestCoverage(text),
		Metadata:     p.extractMetadata(text),
	}

	p.logger.Debug("response parsed",
		zap.Int("code_blocks", len(resp.CodeBlocks)),
		zap.Int("file_paths", len(resp.FilePaths)),
		zap.Int("commands", len(resp.Commands)))
	return resp
}

// ExtractCodeBlocks returns all fenced blocks, lower-casing the language tag
// and scanning the first line for an inline file path.
func (p *Parser) ExtractCodeBlocks(text string) []CodeBlock {
	var blocks []CodeBlock
	for _, m := range codeBlockRe.FindAllStringSubmatch(text, -1) {
		language := strings.ToLower(m[1])
		if language == "" {
			language = "text"
		}
		content := strings.TrimSpace(m[2])

		var filePath string
		firstLine := content
		if idx := strings.IndexByte(content, '\n'); idx >= 0 {
			firstLine = content[:idx]
		}
		for _, re := range filePathRes {
			if pm := re.FindStringSubmatch(firstLine); pm != nil {
				filePath = strings.TrimSpace(pm[1])
				break
			}
		}

		blocks = append(blocks, CodeBlock{Language: language, Content: content, FilePath: filePath})
	}
	return blocks
}

// ExtractFilePaths returns the unique valid file paths mentioned in text,
// sorted ascending.
func (p *Parser) ExtractFilePaths(text string) []string {
	seen := map[string]bool{}
	for _, re := range filePathRes {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			path := strings.TrimSpace(m[1])
			if isValidFilePath(path) {
				seen[path] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for path := range seen {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// ExtractCommands returns shell and package-manager commands.
func (p *Parser) ExtractCommands(text string) []string {
	var out []string
	for _, re := range commandRes {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			cmd := strings.TrimSpace(m[1])
			if len(cmd) > 2 {
				out = append(out, cmd)
			}
		}
	}
	return out
}

// ExtractTestCoverage returns the first plausible coverage percentage in
// [0,100], or nil.
func (p *Parser) ExtractTestCoverage(text string) *float64 {
	for _, re := range coverageRes {
		if m := re.FindStringSubmatch(text); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err == nil && v >= 0 && v <= 100 {
				return &v
			}
		}
	}
	return nil
}

// ExtractExplanations returns non-code paragraphs of meaningful length.
func (p *Parser) ExtractExplanations(text string) []string {
	withoutCode := codeBlockRe.ReplaceAllString(text, "")
	var out []string
	for _, para := range strings.Split(withoutCode, "\n\n") {
		para = strings.TrimSpace(para)
		if len(para) > 20 && !isCommandLike(para) {
			out = append(out, para)
		}
	}
	return out
}

// LanguageFromPath maps a file path to a language name, or "".
func LanguageFromPath(path string) string {
	ext := strings.ToLower(extensionOf(path))
	for language, exts := range languageExtensions {
		for _, e := range exts {
			if e == ext {
				return language
			}
		}
	}
	return ""
}

func (p *Parser) extractMetadata(text string) map[string]any {
	return map[string]any{
		"has_security_mentions": securityMentionRe.MatchString(text),
		"has_test_mentions":     testMentionRe.MatchString(text),
		"has_error_handling":    errorHandlingRe.MatchString(text),
	}
}

func isValidFilePath(path string) bool {
	if len(path) < 3 || !strings.Contains(path, ".") {
		return false
	}
	if strings.Contains(path, " ") && !strings.HasPrefix(path, "/") {
		return false
	}
	ext := strings.ToLower(extensionOf(path))
	if extraTextExtensions[ext] {
		return true
	}
	for _, exts := range languageExtensions {
		for _, e := range exts {
			if e == ext {
				return true
			}
		}
	}
	return false
}

func isCommandLike(text string) bool {
	if strings.Contains(text, "\n") {
		return false
	}
	for _, prefix := range []string{"$", ">", "npm", "pip", "dotnet", "cargo", "go"} {
		if strings.HasPrefix(text, prefix) {
			return true
		}
	}
	return false
}

func extensionOf(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return ""
	}
	return path[idx:]
}
