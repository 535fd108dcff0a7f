// Package prompt builds the augmented prompt sent to the wrapped tool:
// classification of the user's task, token budgeting, smart selection of
// policy files, semantic ranking of learned rules, and final assembly of
// the prompt envelope.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// TaskType labels a prompt.
type TaskType string

const (
	TaskCode     TaskType = "code"
	TaskContent  TaskType = "content"
	TaskCreative TaskType = "creative"
	TaskMixed    TaskType = "mixed"
	TaskUnknown  TaskType = "unknown"
)

// Classification is the classifier's verdict for one prompt.
type Classification struct {
	TaskType           TaskType
	Confidence         float64
	RequiresGuardrails bool
	Features           map[string]float64
	Reasoning          string
}

// Classifier labels prompts by task type. Pure and deterministic;
// thresholds are tunable at construction.
type Classifier struct {
	codeThreshold     float64
	creativeThreshold float64
	logger            *zap.Logger
}

// NewClassifier builds a classifier with the default thresholds
// (code 0.6, creative 0.7).
func NewClassifier(logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{codeThreshold: 0.6, creativeThreshold: 0.7, logger: logger}
}

var codeKeywords = map[string]float64{
	"implement": 0.9, "code": 0.8, "function": 0.8, "class": 0.7, "method": 0.7,
	"api": 0.8, "endpoint": 0.8, "database": 0.7, "authentication": 0.9,
	"authorization": 0.9, "refactor": 0.7, "optimize": 0.6, "debug": 0.8,
	"fix bug": 0.9, "test": 0.6, "deploy": 0.7,
	"algorithm": 0.7, "data structure": 0.8, "async": 0.7, "promise": 0.6,
	"callback": 0.6, "exception": 0.7, "import": 0.5, "module": 0.6, "package": 0.6,
	"react": 0.6, "vue": 0.6, "angular": 0.6, "django": 0.7, "flask": 0.7,
	"fastapi": 0.7, "express": 0.6, "typescript": 0.7, "python": 0.6, "javascript": 0.6,
}

var contentKeywords = map[string]float64{
	"write": 0.7, "article": 0.9, "blog": 0.9, "post": 0.7, "documentation": 0.8,
	"guide": 0.8, "tutorial": 0.8, "readme": 0.9, "explain": 0.7, "describe": 0.7,
	"summarize": 0.8, "paragraph": 0.9, "section": 0.6, "content": 0.6,
}

var creativeKeywords = map[string]float64{
	"create": 0.6, "design": 0.7, "infographic": 0.9, "illustration": 0.9,
	"logo": 0.9, "banner": 0.8, "poster": 0.9, "flyer": 0.9, "brochure": 0.9,
	"visual": 0.8, "graphic": 0.8, "artistic": 0.9, "creative": 0.9,
	"mockup": 0.8, "wireframe": 0.7, "prototype": 0.6,
	"html page": 0.5, "landing page": 0.5,
}

var codeSyntaxPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bdef\s+\w+`),
	regexp.MustCompile(`\bfunction\s+\w+`),
	regexp.MustCompile(`\bclass\s+\w+`),
	regexp.MustCompile(`\b(async|await)\b`),
	regexp.MustCompile(`\b(import|from)\s+\w+`),
	regexp.MustCompile(`\b(if|else|for|while)\b`),
	regexp.MustCompile(`[{}\[\]();]`),
	regexp.MustCompile(`===|!==|&&|\|\|`),
	regexp.MustCompile(`@\w+`),
}

var (
	codeExtensions     = []string{".py", ".js", ".ts", ".jsx", ".tsx", ".go", ".java", ".cpp", ".c", ".rs", ".rb", ".php"}
	contentExtensions  = []string{".md", ".txt", ".rst", ".adoc"}
	creativeExtensions = []string{".html", ".svg", ".css", ".scss"}
)

// Classify labels a prompt. An empty prompt is unknown with guardrails on.
func (c *Classifier) Classify(promptText string) Classification {
	lower := strings.ToLower(promptText)

	features := map[string]float64{
		"code_keywords":     scoreKeywords(lower, codeKeywords),
		"content_keywords":  scoreKeywords(lower, contentKeywords),
		"creative_keywords": scoreKeywords(lower, creativeKeywords),
		"code_patterns":     scorePatterns(promptText),
		"file_extensions":   scoreExtensions(lower),
	}

	extScore := features["file_extensions"]
	if extScore < 0 {
		extScore = 0
	}
	codeScore := features["code_keywords"]*0.5 + features["code_patterns"]*0.3 + extScore*0.2

	creativeScore := features["creative_keywords"] * 0.8
	if strings.Contains(lower, ".html") || strings.Contains(lower, ".svg") {
		creativeScore += 0.2
	}

	contentScore := features["content_keywords"] * 0.7

	result := decide(codeScore, creativeScore, contentScore, c.codeThreshold, c.creativeThreshold)
	result.Features = features

	c.logger.Debug("task classified",
		zap.String("task_type", string(result.TaskType)),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("requires_guardrails", result.RequiresGuardrails))
	return result
}

func decide(code, creative, content, codeThreshold, creativeThreshold float64) Classification {
	switch {
	case code >= codeThreshold:
		return Classification{
			TaskType: TaskCode, Confidence: code, RequiresGuardrails: true,
			Reasoning: fmt.Sprintf("High code score (%.2f), guardrails required", code),
		}
	case creative >= creativeThreshold:
		return Classification{
			TaskType: TaskCreative, Confidence: creative, RequiresGuardrails: false,
			Reasoning: fmt.Sprintf("Creative task detected (%.2f), skipping guardrails", creative),
		}
	case content >= 0.6:
		return Classification{
			TaskType: TaskContent, Confidence: content, RequiresGuardrails: false,
			Reasoning: fmt.Sprintf("Content task detected (%.2f), skipping guardrails", content),
		}
	case code > 0.3 && (creative > 0.3 || content > 0.3):
		max := code
		if creative > max {
			max = creative
		}
		if content > max {
			max = content
		}
		return Classification{
			TaskType: TaskMixed, Confidence: max, RequiresGuardrails: true,
			Reasoning: fmt.Sprintf("Mixed task type (code: %.2f, creative: %.2f, content: %.2f), applying guardrails", code, creative, content),
		}
	}
	return Classification{
		TaskType: TaskUnknown, Confidence: 0.5, RequiresGuardrails: true,
		Reasoning: "Task type unclear, applying guardrails as safety measure",
	}
}

// scoreKeywords averages the weights of matched keywords so long prompts
// don't over-score.
func scoreKeywords(text string, keywords map[string]float64) float64 {
	total := 0.0
	matches := 0
	for keyword, weight := range keywords {
		if strings.Contains(text, keyword) {
			total += weight
			matches++
		}
	}
	if matches == 0 {
		return 0
	}
	score := total / float64(matches)
	if score > 1 {
		return 1
	}
	return score
}

func scorePatterns(text string) float64 {
	matches := 0
	for _, re := range codeSyntaxPatterns {
		if re.MatchString(text) {
			matches++
		}
	}
	score := float64(matches) / float64(len(codeSyntaxPatterns))
	if score > 1 {
		return 1
	}
	return score
}

func scoreExtensions(text string) float64 {
	for _, ext := range codeExtensions {
		if strings.Contains(text, ext) {
			return 1.0
		}
	}
	for _, ext := range contentExtensions {
		if strings.Contains(text, ext) {
			return 0.5
		}
	}
	for _, ext := range creativeExtensions {
		if strings.Contains(text, ext) {
			return -0.5
		}
	}
	return 0
}
