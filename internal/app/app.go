// Package app assembles the pipeline from configuration. Both binaries build
// their components through it so the env-to-component mapping lives in one
// place.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/confidence"
	"github.com/niganuga/flow-editor-sub001/internal/config"
	"github.com/niganuga/flow-editor-sub001/internal/correction"
	"github.com/niganuga/flow-editor-sub001/internal/executor"
	"github.com/niganuga/flow-editor-sub001/internal/groundtruth"
	"github.com/niganuga/flow-editor-sub001/internal/history"
	"github.com/niganuga/flow-editor-sub001/internal/observability"
	"github.com/niganuga/flow-editor-sub001/internal/orchestrator"
	"github.com/niganuga/flow-editor-sub001/internal/planner"
	"github.com/niganuga/flow-editor-sub001/internal/resilience"
	"github.com/niganuga/flow-editor-sub001/internal/session"
	"github.com/niganuga/flow-editor-sub001/internal/tools"
	"github.com/niganuga/flow-editor-sub001/internal/validation"
	"github.com/niganuga/flow-editor-sub001/internal/verification"
)

// App is a fully wired pipeline
type App struct {
	Catalog      *catalog.Catalog
	Extractor    *groundtruth.Extractor
	History      history.Store
	Badger       *history.BadgerStore   // nil when history is in memory
	Index        *history.WeaviateIndex // nil when no index is configured
	Remote       *executor.RemoteClient // nil when every tool runs in process
	Sessions     *session.Manager
	Orchestrator *orchestrator.Orchestrator

	closers []func() error
}

// Build wires every component. The planner is created from cfg unless p is
// non-nil.
func Build(ctx context.Context, cfg *config.Config, p planner.Planner, logger zerolog.Logger) (*App, error) {
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	cat, err := LoadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	a.Catalog = cat

	detector := correction.Default()
	if cfg.CorrectionPhrasesFile != "" {
		if detector, err = correction.LoadFile(cfg.CorrectionPhrasesFile); err != nil {
			return nil, err
		}
	}

	if a.Extractor, err = groundtruth.NewExtractor(ExtractorConfig(cfg), logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.Extractor.Close(); return nil })

	if err := a.openHistory(ctx, cfg, logger); err != nil {
		return nil, err
	}

	registry := executor.NewRegistry(cat)
	var remoteTools []string
	if cfg.ToolServiceAddr != "" {
		remoteTools = cfg.ToolServiceTools
	}
	if err := tools.Register(registry, tools.Options{MaxOutputPixels: cfg.Thresholds.UpscaleMaxOutputPixels}, remoteTools...); err != nil {
		return nil, err
	}
	if len(remoteTools) > 0 {
		if a.Remote, err = executor.DialRemote(ctx, RemoteConfig(cfg), logger); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.Remote.Close)
		for _, name := range remoteTools {
			if err := registry.Register(a.Remote.Tool(name)); err != nil {
				return nil, fmt.Errorf("failed to register remote tool %s: %w", name, err)
			}
		}
	}

	if p == nil {
		client, err := planner.NewGeminiClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		p = planner.NewGeminiPlanner(client.Models, cat, PlannerConfig(cfg), logger)
	}

	a.Sessions = session.NewManager(cfg.SessionMaxTurns, cfg.SessionMaxStates)
	a.Orchestrator = orchestrator.New(orchestrator.Dependencies{
		Analyzer:    a.Extractor,
		Planner:     p,
		Corrections: detector,
		Validator:   validation.New(cat, ValidationConfig(cfg), logger),
		Router:      executor.NewRouter(registry, time.Duration(cfg.ToolTimeout)*time.Second, logger),
		Verifier:    verification.New(cat, a.Extractor, VerificationConfig(cfg), logger),
		Confidence:  confidence.New(ConfidenceConfig(cfg)),
		History:     a.History,
		Sessions:    a.Sessions,
	}, OrchestratorConfig(cfg), logger)

	ok = true
	return a, nil
}

func (a *App) openHistory(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	var local history.Store = history.NewMemoryStore(cfg.HistoryMaxRecords)
	if cfg.HistoryDir != "" {
		store, err := history.OpenBadgerStore(cfg.HistoryDir, cfg.HistoryMaxRecords, logger)
		if err != nil {
			return err
		}
		a.Badger = store
		a.closers = append(a.closers, store.Close)
		local = store
	}
	a.History = local

	if cfg.WeaviateHost == "" {
		return nil
	}
	index, err := history.NewWeaviateIndex(cfg.WeaviateHost, cfg.WeaviateScheme, cfg.WeaviateClass)
	if err != nil {
		return err
	}
	// An unreachable index degrades to the local store; it is not fatal.
	if err := resilience.Reconnect(ctx, "weaviate", index.EnsureSchema, reconnectConfig(cfg), logger); err != nil {
		logger.Warn().Err(err).Str("host", cfg.WeaviateHost).Msg("Similarity index unavailable, using local history search")
	}
	a.Index = index
	a.History = history.NewIndexedStore(local, index, logger)
	return nil
}

// ReadinessChecks returns the probes served on /ready
func (a *App) ReadinessChecks() []observability.DependencyCheck {
	var checks []observability.DependencyCheck
	if a.Remote != nil {
		checks = append(checks, observability.DependencyCheck{Name: "tool_service", Check: a.Remote.HealthCheck})
	}
	if a.Index != nil {
		checks = append(checks, observability.DependencyCheck{Name: "weaviate", Check: a.Index.Ready, Optional: true})
	}
	if a.Badger != nil {
		checks = append(checks, observability.DependencyCheck{Name: "history", Check: func(context.Context) (bool, error) {
			if _, err := a.Badger.Count(); err != nil {
				return false, err
			}
			return true, nil
		}})
	}
	return checks
}

// Close releases every opened resource in reverse order
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// LoadCatalog returns the built-in catalog plus any contracts in CatalogFile
func LoadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	cat := catalog.Default()
	if cfg.CatalogFile != "" {
		if err := cat.LoadFile(cfg.CatalogFile); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

// ExtractorConfig maps configuration onto ground truth limits
func ExtractorConfig(cfg *config.Config) *groundtruth.Config {
	gc := groundtruth.DefaultConfig()
	gc.MaxPixels = cfg.AnalysisMaxPixels
	gc.DecodeMaxPixels = cfg.ImageMaxPixels
	gc.MeasurementTimeout = time.Duration(cfg.AnalysisTimeout) * time.Millisecond
	gc.CacheBytes = cfg.AnalysisCacheBytes
	gc.MeasurementPenalty = cfg.Thresholds.MeasurementPenalty
	gc.DPIEstimatedPenalty = cfg.Thresholds.DPIEstimatedPenalty
	gc.PrintReadyDPI = cfg.Thresholds.PrintReadyDPI
	gc.PrintReadyLongSide = cfg.Thresholds.PrintReadyLongSide
	gc.PrintReadyMinSharpness = cfg.Thresholds.PrintReadyMinSharpness
	gc.DominantColorCount = cfg.Thresholds.DominantColorCount
	gc.AssumedDPI = cfg.Thresholds.AssumedDPI
	return gc
}

// ValidationConfig maps configuration onto parameter validation thresholds
func ValidationConfig(cfg *config.Config) *validation.Config {
	t := cfg.Thresholds
	vc := validation.DefaultConfig()
	vc.NotPresentDeltaE = t.NotPresentDeltaE
	vc.WeakMatchDeltaE = t.WeakMatchDeltaE
	vc.WeakMatchMaxPenalty = t.WeakMatchMaxPenalty
	vc.SamplePercent = t.SamplePercent
	vc.SampleMin = t.SampleMin
	vc.SampleMax = t.SampleMax
	vc.CoverageMaxPercent = t.CoverageMaxPercent
	vc.CoverageMinPercent = t.CoverageMinPercent
	vc.LowCoverageConfidence = t.LowCoverageConfidence
	vc.UpscaleMaxOutputPixels = t.UpscaleMaxOutputPixels
	vc.HistoryMinSamples = t.HistoryMinSamples
	vc.HistoryRangeSlack = t.HistoryRangeSlack
	vc.HistoryOutlierConfidence = t.HistoryOutlierConfidence
	vc.AlreadyTransparentPercent = t.AlreadyTransparentPercent
	vc.AlreadyTransparentConf = t.AlreadyTransparentConfidence
	return vc
}

// VerificationConfig maps configuration onto result validation thresholds
func VerificationConfig(cfg *config.Config) *verification.Config {
	t := cfg.Thresholds
	vc := verification.DefaultConfig()
	vc.ChangeDistance = t.PixelChangeDistance
	vc.ChangeMaxPercent = t.ChangeMaxPercent
	vc.ColorRemovalMinChange = t.ColorRemovalMinChange
	vc.RecolorMinChange = t.RecolorMinChange
	vc.BackgroundMinChange = t.BackgroundMinChange
	vc.TextureMinChange = t.TextureMinChange
	vc.SharpnessPenaltyMax = t.SharpnessPenaltyMax
	vc.NoisePenaltyMax = t.NoisePenaltyMax
	vc.NoChangePenalty = t.NoChangePenalty
	vc.PrintReadyBonus = t.PrintReadyBonus
	vc.TransparencyBonus = t.TransparencyBonus
	vc.DecodeMaxPixels = cfg.ImageMaxPixels
	return vc
}

// ConfidenceConfig maps configuration onto aggregation constants
func ConfidenceConfig(cfg *config.Config) confidence.Config {
	return confidence.Config{
		MultiToolPenalty:   cfg.Thresholds.MultiToolPenalty,
		MultiToolFreeCalls: cfg.Thresholds.MultiToolFreeCalls,
		StoreThreshold:     cfg.Thresholds.HistoryStoreMinConfidence,
	}
}

// PlannerConfig maps configuration onto the planner
func PlannerConfig(cfg *config.Config) *planner.Config {
	return &planner.Config{
		Model:              cfg.GeminiModel,
		Temperature:        float32(cfg.PlannerTemperature),
		Timeout:            time.Duration(cfg.PlannerTimeout) * time.Second,
		MaxProposals:       cfg.PlannerMaxProposals,
		HistoryBudgetBytes: cfg.PlannerHistoryBudgetBytes,
		MaxImageBytes:      cfg.PlannerMaxImageBytes,
		RateLimit:          cfg.PlannerRateLimit,
		RateBurst:          cfg.PlannerRateBurst,
	}
}

// OrchestratorConfig maps configuration onto orchestration policy
func OrchestratorConfig(cfg *config.Config) *orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.PlannerRetry.MaxAttempts = cfg.PlannerRetryMaxAttempts
	oc.PlannerRetry.InitialBackoff = time.Duration(cfg.PlannerRetryBackoff) * time.Millisecond
	oc.SimilarK = cfg.HistorySimilarK
	return oc
}

// RemoteConfig maps configuration onto the tool service connection
func RemoteConfig(cfg *config.Config) executor.RemoteConfig {
	return executor.RemoteConfig{
		Addr:                cfg.ToolServiceAddr,
		TLS:                 cfg.ToolServiceTLS,
		BreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
		BreakerResetTimeout: time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
		Reconnect:           reconnectConfig(cfg),
	}
}

func reconnectConfig(cfg *config.Config) *resilience.ReconnectConfig {
	rc := resilience.DefaultReconnectConfig()
	rc.MaxAttempts = cfg.ReconnectMaxAttempts
	rc.Backoff = time.Duration(cfg.ReconnectBackoff) * time.Millisecond
	return rc
}
