package prompt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// maxContextTokens is the soft ceiling for an assembled prompt; exceeding
// it logs a warning, never an error.
const maxContextTokens = 50000

// agentNames is the closed set of agent roles that carry per-agent
// instruction files.
var agentNames = []string{
	"orchestrator", "architect", "coder", "tester", "reviewer",
	"security", "performance", "ux", "docs", "refactor",
	"debug", "deployment", "integration",
}

// DynamicRuleSource supplies learned rules formatted for inclusion in the
// guardrails block. Implemented by the learning manager; nil disables
// dynamic rules.
type DynamicRuleSource interface {
	FormatForContext(ctx context.Context, promptText, taskType string) (string, error)
}

// VersionRecorder records a content hash for an edited guardrail file.
// Implemented by the store; nil disables version tracking.
type VersionRecorder interface {
	RecordGuardrailVersion(file, contentHash string) error
}

type cacheEntry struct {
	content string
	stamp   time.Time
}

// ttlCache holds assembled guardrail blocks with lazy expiry.
type ttlCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *ttlCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Since(e.stamp) > c.ttl {
		delete(c.entries, key)
		return "", false
	}
	return e.content, true
}

func (c *ttlCache) set(key, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{content: content, stamp: time.Now()}
}

func (c *ttlCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Assembler builds the augmented prompt: selected guardrail files, learned
// rules, agent instructions, mode instructions, and the user request,
// wrapped in a fixed envelope.
type Assembler struct {
	guardrailsPath string
	agentsPath     string
	selector       *Selector
	rules          DynamicRuleSource
	versions       VersionRecorder
	cache          *ttlCache
	logger         *zap.Logger
}

// AssemblerOptions configures an Assembler.
type AssemblerOptions struct {
	GuardrailsPath string
	AgentsPath     string
	Selector       *Selector
	Rules          DynamicRuleSource
	Versions       VersionRecorder
	CacheTTL       time.Duration
	Logger         *zap.Logger
}

// NewAssembler builds an assembler. CacheTTL 0 selects the 5 minute
// default.
func NewAssembler(opts AssemblerOptions) *Assembler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Selector == nil {
		opts.Selector = NewSelector(nil, opts.Logger)
	}
	ttl := opts.CacheTTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &Assembler{
		guardrailsPath: opts.GuardrailsPath,
		agentsPath:     opts.AgentsPath,
		selector:       opts.Selector,
		rules:          opts.Rules,
		versions:       opts.Versions,
		cache:          newTTLCache(ttl),
		logger:         opts.Logger,
	}
}

// BuildRequest carries the inputs for one assembled prompt.
type BuildRequest struct {
	Prompt   string
	Agent    string
	Mode     string
	TaskType string
}

// Build returns the complete augmented prompt.
func (a *Assembler) Build(ctx context.Context, req BuildRequest) string {
	guardrails := a.loadGuardrails(ctx, req)

	parts := []string{
		"<guardrails>",
		guardrails,
		fmt.Sprintf("\n<mode>%s</mode>", req.Mode),
		modeInstructions(req.Mode),
		"</guardrails>",
		"",
		"<system_instructions>",
		"You have FULL PERMISSION to create, modify, and delete files as requested by the user.",
		"When the user asks you to create a file, you should:",
		"1. Include the complete code in a ```language\\n...``` code block",
		"2. State that you created the file (e.g., 'Created `filename.ext`')",
		"3. Do NOT ask for permission - you already have it",
		"</system_instructions>",
		"",
		"<user_request>",
		req.Prompt,
		"</user_request>",
	}
	full := strings.Join(parts, "\n")

	a.checkTokenCount(full, true)
	a.logger.Debug("context built",
		zap.Int("total_length", len(full)),
		zap.Int("estimated_tokens", EstimateTokens(full)))
	return full
}

// loadGuardrails assembles the guardrails block for the request, consulting
// the cache first.
func (a *Assembler) loadGuardrails(ctx context.Context, req BuildRequest) string {
	taskType := req.TaskType
	if taskType == "" {
		taskType = a.selector.ClassifyTaskType(req.Prompt)
	}
	key := cacheKey(req.Agent, req.Mode, taskType)
	if cached, ok := a.cache.get(key); ok {
		a.logger.Debug("guardrails loaded from cache", zap.String("cache_key", key))
		return cached
	}

	var sections []string

	selected := a.selector.Select(SelectionRequest{
		TaskType:    taskType,
		Prompt:      req.Prompt,
		Mode:        req.Mode,
		TokenBudget: 5000,
	})
	a.logger.Debug("guardrail selection",
		zap.Int("selected_count", len(selected)),
		zap.String("task_type", taskType),
		zap.Int("estimated_tokens", a.selector.TokenEstimate(selected)))

	for _, name := range selected {
		content := a.loadFile(filepath.Join(a.guardrailsPath, filepath.FromSlash(name)))
		if content != "" {
			sections = append(sections, fmt.Sprintf("# %s\n\n%s", name, content))
		}
	}

	if a.rules != nil && taskType != "" {
		dynamic, err := a.rules.FormatForContext(ctx, req.Prompt, taskType)
		if err != nil {
			a.logger.Warn("failed to load dynamic guardrails", zap.Error(err))
		} else if dynamic != "" {
			sections = append(sections, dynamic)
		}
	}

	if req.Agent != "" && ValidAgent(req.Agent) {
		version := "summary"
		if req.Mode == "strict" {
			version = "checklist"
		}
		if content := a.loadAgentInstructions(req.Agent, version); content != "" {
			sections = append(sections, fmt.Sprintf("# Agent-Specific Instructions: %s (%s)\n\n%s",
				strings.ToUpper(req.Agent), version, content))
		}
	}

	combined := strings.Join(sections, "\n\n---\n\n")
	a.cache.set(key, combined)
	a.checkTokenCount(combined, false)
	return combined
}

// Prewarm assembles and caches the guardrail blocks for the most common
// request shapes so the first real request skips file IO.
func (a *Assembler) Prewarm(ctx context.Context) {
	shapes := []BuildRequest{
		{Mode: "standard"},
		{Mode: "strict"},
		{Mode: "standard", Agent: "coder", TaskType: "api"},
		{Mode: "standard", Agent: "coder", TaskType: "testing"},
		{Mode: "strict", Agent: "security", TaskType: "security"},
	}
	for _, shape := range shapes {
		a.loadGuardrails(ctx, shape)
	}
	a.logger.Debug("guardrail cache prewarmed", zap.Int("shapes", len(shapes)))
}

// Watch invalidates the cache when any file under the guardrails tree
// changes, and records a version hash for the edited file. Blocks until
// ctx is done; run it on its own goroutine.
func (a *Assembler) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := a.addWatchDirs(watcher); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			a.cache.clear()
			a.logger.Info("guardrail file changed, cache invalidated",
				zap.String("file", event.Name), zap.String("op", event.Op.String()))
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				a.recordVersion(event.Name)
			}
			// New directories need explicit watches.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (a *Assembler) addWatchDirs(watcher *fsnotify.Watcher) error {
	roots := []string{a.guardrailsPath, a.agentsPath}
	for _, root := range roots {
		if root == "" {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				return watcher.Add(path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("watch %s: %w", root, err)
		}
	}
	return nil
}

func (a *Assembler) recordVersion(path string) {
	if a.versions == nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	sum := sha256.Sum256(data)
	rel := path
	if r, err := filepath.Rel(a.guardrailsPath, path); err == nil && !strings.HasPrefix(r, "..") {
		rel = filepath.ToSlash(r)
	}
	if err := a.versions.RecordGuardrailVersion(rel, hex.EncodeToString(sum[:])); err != nil {
		a.logger.Warn("failed to record guardrail version", zap.String("file", rel), zap.Error(err))
	}
}

// RefreshCache drops all cached guardrail blocks.
func (a *Assembler) RefreshCache() {
	a.cache.clear()
	a.logger.Info("guardrail cache refreshed")
}

// AvailableAgents lists the agent roles with instruction files.
func AvailableAgents() []string {
	out := make([]string, len(agentNames))
	copy(out, agentNames)
	return out
}

// ValidAgent reports whether name is a known agent role.
func ValidAgent(name string) bool {
	for _, a := range agentNames {
		if a == name {
			return true
		}
	}
	return false
}

// GuardrailFilesStatus reports which catalogue files exist on disk.
func (a *Assembler) GuardrailFilesStatus() map[string]bool {
	names := make([]string, 0, len(catalogue))
	for name := range catalogue {
		names = append(names, name)
	}
	sort.Strings(names)

	status := make(map[string]bool, len(names))
	for _, name := range names {
		_, err := os.Stat(filepath.Join(a.guardrailsPath, filepath.FromSlash(name)))
		status[name] = err == nil
	}
	return status
}

func (a *Assembler) loadFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			a.logger.Warn("guardrail file not found", zap.String("file_path", path))
		} else {
			a.logger.Error("error loading guardrail file", zap.String("file_path", path), zap.Error(err))
		}
		return ""
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		a.logger.Warn("guardrail file is empty", zap.String("file_path", path))
	}
	return content
}

// loadAgentInstructions prefers the agent/version.md layout and falls back
// to the flat agent.md file.
func (a *Assembler) loadAgentInstructions(agent, version string) string {
	versioned := filepath.Join(a.agentsPath, agent, version+".md")
	if _, err := os.Stat(versioned); err == nil {
		return a.loadFile(versioned)
	}
	return a.loadFile(filepath.Join(a.agentsPath, agent+".md"))
}

func (a *Assembler) checkTokenCount(text string, isFinal bool) {
	estimated := EstimateTokens(text)
	if estimated <= maxContextTokens {
		return
	}
	a.logger.Warn("context size exceeds recommended limit",
		zap.Int("estimated_tokens", estimated),
		zap.Int("max_tokens", maxContextTokens),
		zap.Bool("is_final", isFinal))
}

func cacheKey(agent, mode, taskType string) string {
	if taskType == "" {
		taskType = "none"
	}
	return fmt.Sprintf("guardrails_%s_%s_%s", agent, mode, taskType)
}

const strictModeInstructions = `
<strict_mode_instructions>
STRICT MODE ENABLED - Enhanced Validation:
- All security requirements are MANDATORY
- Test coverage must be >= 100%
- All guardrail violations must be addressed before approval
- No shortcuts or workarounds allowed
- Complete documentation required
- Full compliance with BPSBS, AI, and UX/UI guardrails
- Any violation results in REJECTION
</strict_mode_instructions>
`

const standardModeInstructions = `
<standard_mode_instructions>
STANDARD MODE - Balanced Validation:
- Follow guardrails as guidance
- Address critical and high-severity violations
- Aim for comprehensive test coverage
- Document major decisions and changes
- Consider security and UX best practices
</standard_mode_instructions>
`

func modeInstructions(mode string) string {
	if mode == "strict" {
		return strictModeInstructions
	}
	return standardModeInstructions
}
