package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	"twinloop/internal/config"
	"twinloop/internal/cycle"
	"twinloop/internal/delivery"
	"twinloop/internal/document"
	"twinloop/internal/extractor"
	"twinloop/internal/feedback"
	"twinloop/internal/finetune"
	"twinloop/internal/llm"
	"twinloop/internal/logging"
	"twinloop/internal/loop"
	"twinloop/internal/maturity"
	"twinloop/internal/store"
	"twinloop/internal/training"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	timeout    time.Duration

	// Logger
	logger *zap.Logger

	cfg *config.Config
	app *application
)

// application bundles the wired components behind the subcommands.
type application struct {
	store      *store.Store
	llm        llm.Client
	provider   finetune.Provider
	docs       *document.Manager
	cycle      *cycle.Engine
	feedback   *feedback.Service
	scorer     *maturity.Scorer
	training   *training.Orchestrator
	loop       *loop.Runner
	dispatcher *delivery.Dispatcher
}

var rootCmd = &cobra.Command{
	Use:   "twinloop",
	Short: "twinloop - autonomous self-improvement loop for personal language twins",
	Long: `twinloop runs the autonomous loop behind a personal language twin:
it decides per-user actions each cycle, maintains the versioned knowledge
document with gap tracking, generates confidence-routed synthetic feedback,
scores model maturity, and orchestrates fine-tuning exports.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		if err := logging.Initialize(cfg.DataDir, logging.Options{
			DebugMode:  verbose || cfg.Logging.DebugMode,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
			Categories: cfg.Logging.Categories,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		if err := logging.InitAudit(); err != nil {
			return fmt.Errorf("failed to initialize audit log: %w", err)
		}

		app, err = buildApplication(cfg)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if app != nil {
			if closer, ok := app.llm.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
			if app.store != nil {
				_ = app.store.Close()
			}
		}
		logging.CloseAudit()
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func buildApplication(cfg *config.Config) (*application, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var client llm.Client
	switch cfg.LLM.Provider {
	case "gemini":
		if cfg.LLM.APIKey != "" {
			client, err = llm.NewGeminiClient(cfg.LLM.APIKey, cfg.LLM.Model)
			if err != nil {
				return nil, err
			}
		}
	default:
		if cfg.LLM.APIKey != "" {
			client = llm.NewOpenAIClient(llm.OpenAIConfig{
				APIKey:  cfg.LLM.APIKey,
				BaseURL: cfg.LLM.BaseURL,
				Model:   cfg.LLM.Model,
				Timeout: config.ParseTimeout(cfg.LLM.Timeout, time.Minute),
			})
		}
	}
	if client == nil {
		logger.Warn("no LLM API key configured; generation falls back or fails")
	}

	provider := finetune.Provider(finetune.NewTogetherClient(finetune.TogetherConfig{
		APIKey:  cfg.FineTune.APIKey,
		BaseURL: cfg.FineTune.BaseURL,
		Timeout: config.ParseTimeout(cfg.FineTune.Timeout, 2*time.Minute),
	}))

	var ext extractor.Extractor
	if client != nil {
		ext = extractor.NewLLMExtractor(client)
	}

	docs := document.NewManager(st, client, ext)
	scorer := maturity.NewScorer(st)
	recomp := feedback.NewRecomputer(docs, scorer)
	fb := feedback.NewService(st, client, docs, recomp, cfg.Routing)
	engine := cycle.NewEngine(st, client, cfg.Cycle)
	orch := training.NewOrchestrator(st, provider, cfg.Training, cfg.FineTune.BaseModel)
	runner := loop.NewRunner(st, engine, docs, orch, cfg.Loop)

	return &application{
		store:      st,
		llm:        client,
		provider:   provider,
		docs:       docs,
		cycle:      engine,
		feedback:   fb,
		scorer:     scorer,
		training:   orch,
		loop:       runner,
		dispatcher: delivery.NewDispatcher(st, delivery.NoopChannel{}),
	}, nil
}

// printJSON renders every command result the same machine-readable way.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func commandContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one cycle decision for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		ctx, cancel := commandContext()
		defer cancel()

		decision, err := app.cycle.Decide(ctx, userID)
		if err != nil {
			return err
		}
		return printJSON(decision)
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate synthetic feedback evaluations for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		max, _ := cmd.Flags().GetInt("max")
		ctx, cancel := commandContext()
		defer cancel()

		result, err := app.feedback.Generate(ctx, userID, max)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Record an author verdict on one evaluation",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		evalID, _ := cmd.Flags().GetString("eval")
		verdict, _ := cmd.Flags().GetString("verdict")
		edited, _ := cmd.Flags().GetString("edited-response")
		comment, _ := cmd.Flags().GetString("comment")

		if err := app.feedback.ReviewVerdict(userID, evalID, store.Verdict(verdict), edited, comment); err != nil {
			return err
		}
		return printJSON(map[string]string{
			"user_id": userID, "evaluation_id": evalID, "verdict": verdict,
		})
	},
}

var bulkApproveCmd = &cobra.Command{
	Use:   "bulk-approve",
	Short: "Approve the oldest unresolved evaluations in one write",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")
		includeFlagged, _ := cmd.Flags().GetBool("include-flagged")

		approved, err := app.feedback.BulkApprove(userID, limit, includeFlagged)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"user_id": userID, "approved": approved,
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Record agreement with an auto-approved rating",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		ratingID, _ := cmd.Flags().GetString("rating")
		agreed, _ := cmd.Flags().GetBool("agreed")
		comment, _ := cmd.Flags().GetString("comment")

		if err := app.feedback.ValidateSyntheticRating(ratingID, userID, agreed, comment); err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"user_id": userID, "rating_id": ratingID, "agreed": agreed,
		})
	},
}

var maturityCmd = &cobra.Command{
	Use:   "maturity",
	Short: "Recompute the maturity score for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		record, err := app.scorer.Recompute(userID)
		if err != nil {
			return err
		}
		return printJSON(record)
	},
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run one training-orchestrator pass for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		profile, _ := cmd.Flags().GetString("profile")
		ctx, cancel := commandContext()
		defer cancel()

		if profile != "" {
			settings, err := app.store.GetSettings(userID)
			if err != nil {
				return err
			}
			settings.TrainingProfile = profile
			if err := app.store.UpsertSettings(settings); err != nil {
				return err
			}
		}

		result, err := app.training.RunPass(ctx, userID)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var docCmd = &cobra.Command{
	Use:   "doc",
	Short: "Knowledge document operations",
}

var docBootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Build the initial document from source entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("source-limit")
		ctx, cancel := commandContext()
		defer cancel()

		result, err := app.docs.Bootstrap(ctx, userID, limit)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var docPatchCmd = &cobra.Command{
	Use:   "patch",
	Short: "Apply one section patch as a new document version",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		section, _ := cmd.Flags().GetString("section")
		op, _ := cmd.Flags().GetString("op")
		data, _ := cmd.Flags().GetString("data")
		summary, _ := cmd.Flags().GetString("summary")

		version, err := app.docs.PatchSection(userID, section, document.PatchOp(op), data, summary)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"user_id": userID, "section": section, "op": op, "version": version,
		})
	},
}

var docRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Copy a historical version into a new active version",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		version, _ := cmd.Flags().GetInt("version")

		newVersion, err := app.docs.RestoreVersion(userID, version)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"user_id": userID, "restored_from": version, "version": newVersion,
		})
	},
}

var docGapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "Show (or recompute) per-section gap priorities",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		recompute, _ := cmd.Flags().GetBool("recompute")

		summary, err := app.docs.GetGapSummary(userID, recompute)
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

var docHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List all document versions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		history, err := app.docs.History(userID)
		if err != nil {
			return err
		}
		type versionView struct {
			Version       int       `json:"version"`
			ChangeSummary string    `json:"change_summary"`
			Sections      int       `json:"sections"`
			CreatedAt     time.Time `json:"created_at"`
		}
		views := make([]versionView, 0, len(history))
		for _, doc := range history {
			views = append(views, versionView{
				Version:       doc.Version,
				ChangeSummary: doc.ChangeSummary,
				Sections:      len(doc.Sections),
				CreatedAt:     doc.CreatedAt,
			})
		}
		return printJSON(views)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show feedback and maturity statistics for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")

		stats, err := app.feedback.GetStats(userID)
		if err != nil {
			return err
		}
		out := map[string]interface{}{"feedback": stats}
		if record, err := app.store.GetMaturity(userID); err == nil {
			out["maturity"] = record
		}
		if twin, err := app.store.GetTwin(userID); err == nil {
			out["twin"] = twin
		}
		return printJSON(out)
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Store one source entry for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		content, _ := cmd.Flags().GetString("content")
		source, _ := cmd.Flags().GetString("source")

		// first ingest registers the user
		if _, err := app.store.GetSettings(userID); err != nil {
			if err := app.store.UpsertSettings(&store.UserSettings{
				UserID:          userID,
				TrainingProfile: cfg.Training.DefaultProfile,
			}); err != nil {
				return err
			}
		}

		entry := &store.Entry{
			ID:      uuid.NewString(),
			UserID:  userID,
			Content: content,
			Source:  source,
		}
		if err := app.store.InsertEntry(entry); err != nil {
			return err
		}
		return printJSON(map[string]string{
			"user_id": userID, "entry_id": entry.ID,
		})
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change per-user operational switches",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")

		settings, err := app.store.GetSettings(userID)
		if err != nil {
			settings = &store.UserSettings{
				UserID:          userID,
				TrainingProfile: cfg.Training.DefaultProfile,
			}
		}
		if cmd.Flags().Changed("pause") {
			paused, _ := cmd.Flags().GetBool("pause")
			settings.AgentsPaused = paused
		}
		if cmd.Flags().Changed("profile") {
			profile, _ := cmd.Flags().GetString("profile")
			settings.TrainingProfile = profile
		}
		if cmd.Flags().Changed("pause") || cmd.Flags().Changed("profile") {
			if err := app.store.UpsertSettings(settings); err != nil {
				return err
			}
		}
		return printJSON(settings)
	},
}

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Drain queued messages through the configured channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")
		ctx, cancel := commandContext()
		defer cancel()

		result, err := app.dispatcher.Dispatch(ctx, userID, limit)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var loopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Run one full pass across all users",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		summary, err := app.loop.RunOnce(ctx)
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the loop continuously until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			logger.Info("received shutdown signal")
			cancel()
		}()

		watcher, err := config.NewWatcher(configPath, cfg, func(c *config.Config) {
			app.loop.UpdateConfig(c.Loop)
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()

		logger.Info("loop started", zap.String("config", configPath))
		if err := app.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "twinloop.yaml", "Config file path")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	cycleCmd.Flags().String("user", "", "User id (required)")
	cycleCmd.MarkFlagRequired("user")

	generateCmd.Flags().String("user", "", "User id (required)")
	generateCmd.Flags().Int("max", 5, "Maximum prompts to generate")
	generateCmd.MarkFlagRequired("user")

	reviewCmd.Flags().String("user", "", "User id (required)")
	reviewCmd.Flags().String("eval", "", "Evaluation id (required)")
	reviewCmd.Flags().String("verdict", "", "approved, rejected or edited (required)")
	reviewCmd.Flags().String("edited-response", "", "Replacement response for edited verdicts")
	reviewCmd.Flags().String("comment", "", "Review comment")
	reviewCmd.MarkFlagRequired("user")
	reviewCmd.MarkFlagRequired("eval")
	reviewCmd.MarkFlagRequired("verdict")

	bulkApproveCmd.Flags().String("user", "", "User id (required)")
	bulkApproveCmd.Flags().Int("limit", 10, "Maximum items to approve")
	bulkApproveCmd.Flags().Bool("include-flagged", false, "Also approve flagged items")
	bulkApproveCmd.MarkFlagRequired("user")

	validateCmd.Flags().String("user", "", "User id (required)")
	validateCmd.Flags().String("rating", "", "Auto-approved rating id (required)")
	validateCmd.Flags().Bool("agreed", false, "Whether the author agrees with the rating")
	validateCmd.Flags().String("comment", "", "Validation comment")
	validateCmd.MarkFlagRequired("user")
	validateCmd.MarkFlagRequired("rating")

	maturityCmd.Flags().String("user", "", "User id (required)")
	maturityCmd.MarkFlagRequired("user")

	trainCmd.Flags().String("user", "", "User id (required)")
	trainCmd.Flags().String("profile", "", "Training profile override (standard, conservative)")
	trainCmd.MarkFlagRequired("user")

	docBootstrapCmd.Flags().String("user", "", "User id (required)")
	docBootstrapCmd.Flags().Int("source-limit", 50, "Maximum source entries to draft from")
	docBootstrapCmd.MarkFlagRequired("user")

	docPatchCmd.Flags().String("user", "", "User id (required)")
	docPatchCmd.Flags().String("section", "", "Section name (required)")
	docPatchCmd.Flags().String("op", "update", "add, update or remove")
	docPatchCmd.Flags().String("data", "", "Section content")
	docPatchCmd.Flags().String("summary", "", "Change summary")
	docPatchCmd.MarkFlagRequired("user")
	docPatchCmd.MarkFlagRequired("section")

	docRestoreCmd.Flags().String("user", "", "User id (required)")
	docRestoreCmd.Flags().Int("version", 0, "Version to restore (required)")
	docRestoreCmd.MarkFlagRequired("user")
	docRestoreCmd.MarkFlagRequired("version")

	docGapsCmd.Flags().String("user", "", "User id (required)")
	docGapsCmd.Flags().Bool("recompute", false, "Recompute and persist before returning")
	docGapsCmd.MarkFlagRequired("user")

	docHistoryCmd.Flags().String("user", "", "User id (required)")
	docHistoryCmd.MarkFlagRequired("user")

	statsCmd.Flags().String("user", "", "User id (required)")
	statsCmd.MarkFlagRequired("user")

	ingestCmd.Flags().String("user", "", "User id (required)")
	ingestCmd.Flags().String("content", "", "Entry text (required)")
	ingestCmd.Flags().String("source", "", "Entry source label")
	ingestCmd.MarkFlagRequired("user")
	ingestCmd.MarkFlagRequired("content")

	settingsCmd.Flags().String("user", "", "User id (required)")
	settingsCmd.Flags().Bool("pause", false, "Pause or resume agents for the user")
	settingsCmd.Flags().String("profile", "", "Training profile (standard, conservative)")
	settingsCmd.MarkFlagRequired("user")

	deliverCmd.Flags().String("user", "", "User id (required)")
	deliverCmd.Flags().Int("limit", 20, "Maximum messages to send")
	deliverCmd.MarkFlagRequired("user")

	docCmd.AddCommand(docBootstrapCmd)
	docCmd.AddCommand(docPatchCmd)
	docCmd.AddCommand(docRestoreCmd)
	docCmd.AddCommand(docGapsCmd)
	docCmd.AddCommand(docHistoryCmd)

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(bulkApproveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(maturityCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(docCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(deliverCmd)
	rootCmd.AddCommand(loopCmd)
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
