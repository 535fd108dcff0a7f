package analysis

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"guardloop/internal/store"
)

// DetectedFailure is one matched failure signature.
type DetectedFailure struct {
	Category   string
	Pattern    string
	Timestamp  time.Time
	Severity   store.Severity
	Context    string
	Suggestion string
	Tool       string
}

type failurePattern struct {
	regex        *regexp.Regexp
	severity     store.Severity
	suggestion   string
	contextWords int
}

// failurePatterns is the closed catalogue of known failure signatures.
var failurePatterns = map[string]failurePattern{
	"JWT/Auth": {
		regex:        regexp.MustCompile(`(?i)\b(jwt|token|unauthorized|expired|authentication\s+failed|invalid\s+token|bearer)\b`),
		severity:     store.SeverityHigh,
		suggestion:   "Ensure MFA + Azure AD is configured. Check token validation logic.",
		contextWords: 50,
	},
	".NET Code": {
		regex:        regexp.MustCompile(`(?i)\b(csproj|dependency\s+injection|di\s+error|async\s+issue|broken\s+reference|nuget)\b`),
		severity:     store.SeverityMedium,
		suggestion:   "Review .NET dependency injection configuration and project references.",
		contextWords: 50,
	},
	"Angular DI": {
		regex:        regexp.MustCompile(`(?i)\b(translateservice|apiservice|provider\s+not\s+found|no\s+provider\s+for|nullinjectorerror)\b`),
		severity:     store.SeverityMedium,
		suggestion:   "Check Angular TestBed providers and module imports.",
		contextWords: 50,
	},
	"File Overwrite": {
		regex:        regexp.MustCompile(`(\)\)\)\)\)+|0{10,}|#{10,}|={10,}|\*{10,})`),
		severity:     store.SeverityCritical,
		suggestion:   "AI corrupted file with repetitive characters - restore from backup immediately!",
		contextWords: 20,
	},
	"Environment": {
		regex:        regexp.MustCompile(`(?i)\b(node|npm|version|dependency\s+conflict|python\s+version|incompatible|missing\s+package)\b`),
		severity:     store.SeverityMedium,
		suggestion:   "Check environment compatibility and dependency versions.",
		contextWords: 50,
	},
	"Pipeline": {
		regex:        regexp.MustCompile(`(?i)\b(coverage|sonarqube|lint|pipeline\s+failed|build\s+error|ci\s+failed|test\s+failed)\b`),
		severity:     store.SeverityHigh,
		suggestion:   "Review CI/CD configuration and fix failing pipeline steps.",
		contextWords: 50,
	},
	"Security": {
		regex:        regexp.MustCompile(`(?i)\b(mfa|azure\s+ad|rbac|audit\s+log|panic\s+button|security\s+vulnerability|sql\s+injection|xss|csrf)\b`),
		severity:     store.SeverityCritical,
		suggestion:   "Address security requirements immediately. Follow OWASP guidelines.",
		contextWords: 50,
	},
	"UI/UX": {
		regex:        regexp.MustCompile(`(?i)\b(button|tooltip|dark\s+mode|export\s+missing|vague\s+label|accessibility\s+issue)\b`),
		severity:     store.SeverityLow,
		suggestion:   "Apply UX/UI guardrails for better user experience.",
		contextWords: 40,
	},
	"Compliance": {
		regex:        regexp.MustCompile(`(?i)\b(gdpr|iso|27001|27002|retention|compliance\s+gap|data\s+privacy|regulation)\b`),
		severity:     store.SeverityHigh,
		suggestion:   "Review compliance requirements (GDPR, ISO 27001/27002).",
		contextWords: 50,
	},
	"Looping": {
		regex:        regexp.MustCompile(`(?i)\b(retrying|loop\s+detected|infinite|recursion|stack\s+overflow|maximum\s+recursion)\b`),
		severity:     store.SeverityCritical,
		suggestion:   "AI entered infinite loop - abort and retry with different prompt.",
		contextWords: 30,
	},
	"Database": {
		regex:        regexp.MustCompile(`(?i)\b(connection\s+failed|timeout|deadlock|migration\s+failed|constraint\s+violation|duplicate\s+key)\b`),
		severity:     store.SeverityHigh,
		suggestion:   "Check database connection, schema, and query optimization.",
		contextWords: 50,
	},
	"Type Errors": {
		regex:        regexp.MustCompile(`(?i)\b(type\s+error|undefined|null\s+reference|cannot\s+read\s+property|typeerror)\b`),
		severity:     store.SeverityMedium,
		suggestion:   "Add type checking and null safety guards.",
		contextWords: 40,
	},
	"Memory Issues": {
		regex:        regexp.MustCompile(`(?i)\b(out\s+of\s+memory|memory\s+leak|heap\s+overflow|allocation\s+failed)\b`),
		severity:     store.SeverityCritical,
		suggestion:   "Investigate memory usage and potential leaks.",
		contextWords: 40,
	},
	"API Errors": {
		regex:        regexp.MustCompile(`(?i)\b(400|401|403|404|500|502|503|504|bad\s+request|not\s+found|server\s+error)\b`),
		severity:     store.SeverityHigh,
		suggestion:   "Check API endpoint configuration and error handling.",
		contextWords: 50,
	},
	"Configuration": {
		regex:        regexp.MustCompile(`(?i)\b(missing\s+config|invalid\s+configuration|env\s+variable|config\s+error|settings\s+not\s+found)\b`),
		severity:     store.SeverityMedium,
		suggestion:   "Verify configuration files and environment variables.",
		contextWords: 50,
	},
	"Import Errors": {
		regex:        regexp.MustCompile(`(?i)\b(cannot\s+find\s+module|import\s+error|module\s+not\s+found|no\s+module\s+named)\b`),
		severity:     store.SeverityMedium,
		suggestion:   "Check import paths and installed packages.",
		contextWords: 40,
	},
	"Test Failures": {
		regex:        regexp.MustCompile(`(?i)\b(test\s+failed|assertion\s+failed|expected.*but\s+got|test\s+suite\s+failed)\b`),
		severity:     store.SeverityMedium,
		suggestion:   "Review test assertions and implementation.",
		contextWords: 50,
	},
	"Performance": {
		regex:        regexp.MustCompile(`(?i)\b(slow|performance\s+issue|bottleneck|n\+1\s+query|inefficient|optimization)\b`),
		severity:     store.SeverityMedium,
		suggestion:   "Profile and optimize performance bottlenecks.",
		contextWords: 50,
	},
	"Race Condition": {
		regex:        regexp.MustCompile(`(?i)\b(race\s+condition|concurrent|synchronization|mutex|deadlock|thread\s+safety)\b`),
		severity:     store.SeverityHigh,
		suggestion:   "Add proper synchronization and thread safety mechanisms.",
		contextWords: 50,
	},
	"Deployment": {
		regex:        regexp.MustCompile(`(?i)\b(deployment\s+failed|rollback|downtime|service\s+unavailable|container\s+error)\b`),
		severity:     store.SeverityHigh,
		suggestion:   "Check deployment configuration and service health.",
		contextWords: 50,
	},
}

// FailureDetector matches tool output against known failure signatures.
type FailureDetector struct {
	logger *zap.Logger
}

// NewFailureDetector builds a detector.
func NewFailureDetector(logger *zap.Logger) *FailureDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailureDetector{logger: logger}
}

// Scan finds all failure signatures in text, deduplicated by (category,
// context prefix) and sorted by severity descending, then category.
func (d *FailureDetector) Scan(text, tool string) []DetectedFailure {
	var failures []DetectedFailure
	seen := map[string]bool{}
	now := time.Now().UTC()

	// Iterate categories in stable order so ties break deterministically.
	categories := make([]string, 0, len(failurePatterns))
	for c := range failurePatterns {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	for _, category := range categories {
		fp := failurePatterns[category]
		for _, loc := range fp.regex.FindAllStringIndex(text, -1) {
			context := extractContext(text, loc[0], fp.contextWords)

			key := fmt.Sprintf("%s:%.100s", category, context)
			if seen[key] {
				continue
			}
			seen[key] = true

			failures = append(failures, DetectedFailure{
				Category:   category,
				Pattern:    text[loc[0]:loc[1]],
				Timestamp:  now,
				Severity:   fp.severity,
				Context:    context,
				Suggestion: fp.suggestion,
				Tool:       tool,
			})
		}
	}

	sort.SliceStable(failures, func(i, j int) bool {
		if failures[i].Severity.Rank() != failures[j].Severity.Rank() {
			return failures[i].Severity.Rank() > failures[j].Severity.Rank()
		}
		return failures[i].Category < failures[j].Category
	})

	if len(failures) > 0 {
		d.logger.Info("failures detected",
			zap.Int("count", len(failures)),
			zap.String("tool", tool))
	}
	return failures
}

// Categories lists the known failure categories, sorted.
func (d *FailureDetector) Categories() []string {
	out := make([]string, 0, len(failurePatterns))
	for c := range failurePatterns {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// extractContext returns a window of roughly n words centered on the word
// containing the byte position.
func extractContext(text string, position, n int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}

	// Locate the word containing position.
	cursor := 0
	center := -1
	for i, w := range words {
		start := strings.Index(text[cursor:], w) + cursor
		end := start + len(w)
		cursor = end
		if start <= position && position <= end {
			center = i
			break
		}
	}
	if center < 0 {
		if len(words) > n {
			words = words[:n]
		}
		return strings.Join(words, " ")
	}

	lo := center - n/2
	if lo < 0 {
		lo = 0
	}
	hi := center + n/2
	if hi > len(words) {
		hi = len(words)
	}
	return strings.Join(words[lo:hi], " ")
}
