package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"guardloop/internal/adapters"
	"guardloop/internal/config"
	"guardloop/internal/conversation"
	"guardloop/internal/daemon"
	"guardloop/internal/learning"
	"guardloop/internal/logging"
	"guardloop/internal/prompt"
	"guardloop/internal/store"
	"guardloop/internal/workers"
)

const version = "1.0.0"

var (
	// Global flags
	verbose    bool
	configPath string

	// Run flags
	toolName       string
	agentName      string
	modeFlag       string
	conversationID string
	projectRoot    string
	streamOutput   bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "guardloop",
	Short: "GuardLoop - guardrail-enforcing wrapper for AI CLI tools",
	Long: `GuardLoop wraps AI coding CLIs (claude, gemini, codex) and enforces
guardrails on every request: it classifies the task, injects policy and
learned rules into the prompt, validates the output, runs a reviewer
chain, and records everything for pattern analysis.

Failures the AI repeats become learned patterns; patterns with enough
evidence become dynamic guardrails that feed back into future prompts.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(logging.Options{Level: level, File: cfg.Logging.File})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd executes a single prompt through the pipeline
var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one prompt through the guarded pipeline",
	Long: `Processes a prompt through the full pipeline:
  1. Classify the task (code tasks get guardrails, creative ones skip them)
  2. Assemble the augmented prompt (policies, learned rules, agent instructions)
  3. Execute the wrapped AI CLI
  4. Validate the output and scan for known failure modes
  5. Enforce the mode decision and persist the session

Example:
  guardloop run --tool claude "implement the login endpoint"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPrompt,
}

// daemonCmd runs the background workers
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background workers until interrupted",
	Long: `Starts the long-running side of GuardLoop:
  - analysis worker: mines failure patterns and mints dynamic guardrails
  - metrics worker: aggregates hourly session metrics
  - markdown export: publishes AI_Failure_Modes.md
  - cleanup worker: retention, backups, log rotation

Also watches the guardrails directory and invalidates the prompt cache
when a policy file changes.`,
	RunE: runDaemon,
}

// statsCmd prints store statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show session and learning statistics",
	RunE:  showStats,
}

// versionCmd prints the version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the guardloop version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("guardloop %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "Config file path")

	runCmd.Flags().StringVar(&toolName, "tool", "claude", "AI tool to wrap (claude, gemini, codex)")
	runCmd.Flags().StringVar(&agentName, "agent", "", "Agent role whose instructions to inject")
	runCmd.Flags().StringVar(&modeFlag, "mode", "", "Enforcement mode (standard, strict); defaults to config")
	runCmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation id for multi-turn context")
	runCmd.Flags().StringVar(&projectRoot, "project-root", "", "Project root for extracted file operations")
	runCmd.Flags().BoolVar(&streamOutput, "stream", false, "Stream tool output as it arrives")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".guardloop", "config.yaml")
}

// openStore opens the configured database, creating its directory.
func openStore() (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return store.New(cfg.Database.Path, logger)
}

// ruleSource builds the learning manager that feeds dynamic guardrails
// into assembled prompts. Returns nil when the feature is off.
func ruleSource(s *store.Store) *learning.Manager {
	if !cfg.Features.V2DynamicGuardrails {
		return nil
	}
	var matcher *prompt.Matcher
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		embedder := prompt.NewGenAIEmbedder(key, "", logger)
		matcher = prompt.NewMatcher(embedder, 0.3, logger)
	}
	return learning.NewManager(s, matcher, logger)
}

func newAssembler(s *store.Store, rules *learning.Manager) *prompt.Assembler {
	opts := prompt.AssemblerOptions{
		GuardrailsPath: cfg.Guardrails.BasePath,
		AgentsPath:     cfg.Guardrails.AgentsPath,
		Versions:       s,
		Logger:         logger,
	}
	if rules != nil {
		opts.Rules = rules
	}
	return prompt.NewAssembler(opts)
}

func runPrompt(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	d := daemon.New(daemon.Options{
		Config:        cfg,
		Store:         s,
		Factory:       adapters.NewFactory(cfg.Tools, logger),
		Classifier:    prompt.NewClassifier(logger),
		Assembler:     newAssembler(s, ruleSource(s)),
		Conversations: conversation.NewManager(s, logger),
		Logger:        logger,
	})

	mode := modeFlag
	if mode == "" {
		mode = string(cfg.Mode)
	}
	req := daemon.AIRequest{
		Tool:           toolName,
		Prompt:         strings.Join(args, " "),
		Agent:          agentName,
		Mode:           mode,
		ConversationID: conversationID,
		ProjectRoot:    projectRoot,
	}
	if streamOutput {
		req.Stream = func(line string) { fmt.Println(line) }
	}

	result, err := d.Process(ctx, req)
	if err != nil {
		return err
	}
	defer d.Drain()

	if !streamOutput {
		fmt.Print(result.RawOutput)
	}

	if len(result.Violations) > 0 {
		fmt.Fprintf(os.Stderr, "\n%d guardrail violation(s) detected\n", len(result.Violations))
	}
	if len(result.Failures) > 0 {
		fmt.Fprintf(os.Stderr, "%d failure pattern(s) detected\n", len(result.Failures))
	}
	for _, file := range result.FileOperations {
		fmt.Fprintf(os.Stderr, "created %s\n", file)
	}

	if !result.Approved {
		return fmt.Errorf("response rejected in %s mode (session %s)", req.Mode, result.SessionID)
	}
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	rules := ruleSource(s)
	assembler := newAssembler(s, rules)
	assembler.Prewarm(ctx)
	go func() {
		if err := assembler.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("guardrail watcher stopped", zap.Error(err))
		}
	}()

	analyzer := learning.NewPatternAnalyzer(s, logger)
	manager := workers.NewFromConfig(cfg, s, analyzer, rules, logger)
	logger.Info("daemon started",
		zap.Strings("workers", manager.Names()),
		zap.String("mode", string(cfg.Mode)))

	if err := manager.Run(ctx); err != nil {
		return err
	}
	logger.Info("daemon stopped")
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.GetStats()
	if err != nil {
		return err
	}
	fmt.Println("Store")
	fmt.Printf("  sessions:            %d\n", stats.Sessions)
	fmt.Printf("  failure modes:       %d\n", stats.FailureModes)
	fmt.Printf("  violations:          %d\n", stats.Violations)
	fmt.Printf("  learned patterns:    %d\n", stats.LearnedPatterns)
	fmt.Printf("  dynamic guardrails:  %d\n", stats.DynamicGuardrails)
	fmt.Printf("  conversation turns:  %d\n", stats.ConversationTurns)
	fmt.Printf("  disk:                %.1f MB\n", float64(stats.DiskBytes)/(1024*1024))

	day, err := s.SessionStatsSince(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		return err
	}
	fmt.Println("Last 24h")
	fmt.Printf("  sessions:            %d\n", day.Total)
	if day.Total > 0 {
		fmt.Printf("  approval rate:       %.0f%%\n", float64(day.Approved)/float64(day.Total)*100)
		fmt.Printf("  mean execution:      %.0f ms\n", day.MeanExecutionMS)
	}

	trends, err := s.RecentMetrics("failure_trend", 5)
	if err != nil {
		return err
	}
	if len(trends) > 0 {
		fmt.Println("Recent failure trends")
		for _, m := range trends {
			fmt.Printf("  %s  %.0f  %s\n",
				m.Timestamp.Format(time.RFC3339), m.Value, m.Metadata)
		}
	}
	return nil
}
