package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the image edit service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Planner (Gemini) configuration
	GeminiAPIKey              string  `envconfig:"GEMINI_API_KEY" required:"true"`
	GeminiModel               string  `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash"`
	PlannerTimeout            int     `envconfig:"PLANNER_TIMEOUT" default:"60" validate:"gt=0"`                    // seconds
	PlannerTemperature        float64 `envconfig:"PLANNER_TEMPERATURE" default:"0.2" validate:"gte=0,lte=2"`        // sampling temperature
	PlannerMaxProposals       int     `envconfig:"PLANNER_MAX_PROPOSALS" default:"5" validate:"gte=1,lte=20"`       // tool calls kept per turn
	PlannerHistoryBudgetBytes int     `envconfig:"PLANNER_HISTORY_BUDGET_BYTES" default:"16000" validate:"gte=512"` // history text sent per request
	PlannerMaxImageBytes      int     `envconfig:"PLANNER_MAX_IMAGE_BYTES" default:"4000000" validate:"gte=65536"`  // larger images are re-encoded
	PlannerRateLimit          float64 `envconfig:"PLANNER_RATE_LIMIT" default:"2" validate:"gt=0"`                  // requests per second
	PlannerRateBurst          int     `envconfig:"PLANNER_RATE_BURST" default:"4" validate:"gte=1"`                 // burst size
	PlannerRetryMaxAttempts   int     `envconfig:"PLANNER_RETRY_MAX_ATTEMPTS" default:"2" validate:"gte=1,lte=5"`   // total attempts per turn
	PlannerRetryBackoff       int     `envconfig:"PLANNER_RETRY_BACKOFF" default:"500" validate:"gte=0"`            // milliseconds

	// Tool execution
	ToolTimeout      int      `envconfig:"TOOL_TIMEOUT" default:"30" validate:"gt=0"`                   // seconds per call
	ToolServiceAddr  string   `envconfig:"TOOL_SERVICE_ADDR" default:""`                                // gRPC tool service, empty to disable
	ToolServiceTools []string `envconfig:"TOOL_SERVICE_TOOLS" default:"remove_background,texture_mask"` // tools served remotely
	ToolServiceTLS   bool     `envconfig:"TOOL_SERVICE_TLS_ENABLED" default:"false"`                    // TLS to the tool service
	CatalogFile      string   `envconfig:"CATALOG_FILE" default:""`                                     // extra tool contracts (YAML)

	// Correction detection
	CorrectionPhrasesFile string `envconfig:"CORRECTION_PHRASES_FILE" default:""` // replaces the built-in phrase set (YAML)

	// Ground truth analysis
	ImageMaxPixels     int   `envconfig:"IMAGE_MAX_PIXELS" default:"100000000" validate:"gt=0"`     // decode ceiling
	AnalysisMaxPixels  int   `envconfig:"ANALYSIS_MAX_PIXELS" default:"1000000" validate:"gt=0"`    // larger images are measured downsampled
	AnalysisTimeout    int   `envconfig:"ANALYSIS_TIMEOUT" default:"5000" validate:"gt=0"`          // milliseconds per sub-measurement
	AnalysisCacheBytes int64 `envconfig:"ANALYSIS_CACHE_BYTES" default:"67108864" validate:"gte=0"` // 0 disables the cache

	// History store
	HistoryDir        string `envconfig:"HISTORY_DIR" default:""`                                  // badger directory, empty for in-memory
	HistoryMaxRecords int    `envconfig:"HISTORY_MAX_RECORDS" default:"10000" validate:"gte=10"`   // oldest records pruned past this
	HistorySimilarK   int    `envconfig:"HISTORY_SIMILAR_K" default:"20" validate:"gte=1,lte=200"` // neighbours used as validation prior
	WeaviateHost      string `envconfig:"WEAVIATE_HOST" default:""`                                // similarity index, empty to disable
	WeaviateScheme    string `envconfig:"WEAVIATE_SCHEME" default:"http" validate:"oneof=http https"`
	WeaviateClass     string `envconfig:"WEAVIATE_CLASS" default:"EditHistory" validate:"required"`

	// Sessions
	SessionMaxTurns  int `envconfig:"SESSION_MAX_TURNS" default:"50" validate:"gte=2"`   // turns kept per conversation
	SessionMaxStates int `envconfig:"SESSION_MAX_STATES" default:"10" validate:"gte=2"`  // committed images kept for rollback
	SessionIdleTTL   int `envconfig:"SESSION_IDLE_TTL" default:"3600" validate:"gte=60"` // seconds before an idle session is dropped

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum connection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Pipeline thresholds, all overridable as THRESHOLD_*
	Thresholds Thresholds `envconfig:"THRESHOLD"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`        // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`      // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`  // Enable Prometheus metrics
	TracingEnabled bool   `envconfig:"TRACING_ENABLED" default:"false"` // Export spans to stdout
}

// Thresholds are the tuned numeric limits of the pipeline
type Thresholds struct {
	// Parameter validation
	NotPresentDeltaE             float64 `envconfig:"NOT_PRESENT_DELTA_E" default:"25" validate:"gt=0"`
	WeakMatchDeltaE              float64 `envconfig:"WEAK_MATCH_DELTA_E" default:"10" validate:"gt=0,ltfield=NotPresentDeltaE"`
	WeakMatchMaxPenalty          float64 `envconfig:"WEAK_MATCH_MAX_PENALTY" default:"40" validate:"gte=0,lte=100"`
	SamplePercent                float64 `envconfig:"SAMPLE_PERCENT" default:"5" validate:"gt=0,lte=100"`
	SampleMin                    int     `envconfig:"SAMPLE_MIN" default:"1000" validate:"gte=1"`
	SampleMax                    int     `envconfig:"SAMPLE_MAX" default:"50000" validate:"gtefield=SampleMin"`
	CoverageMaxPercent           float64 `envconfig:"COVERAGE_MAX_PERCENT" default:"95" validate:"gt=0,lte=100"`
	CoverageMinPercent           float64 `envconfig:"COVERAGE_MIN_PERCENT" default:"1" validate:"gte=0,ltfield=CoverageMaxPercent"`
	LowCoverageConfidence        float64 `envconfig:"LOW_COVERAGE_CONFIDENCE" default:"70" validate:"gte=0,lte=100"`
	UpscaleMaxOutputPixels       int     `envconfig:"UPSCALE_MAX_OUTPUT_PIXELS" default:"40000000" validate:"gt=0"`
	HistoryMinSamples            int     `envconfig:"HISTORY_MIN_SAMPLES" default:"3" validate:"gte=1"`
	HistoryRangeSlack            float64 `envconfig:"HISTORY_RANGE_SLACK" default:"0.5" validate:"gte=0"`
	HistoryOutlierConfidence     float64 `envconfig:"HISTORY_OUTLIER_CONFIDENCE" default:"60" validate:"gte=0,lte=100"`
	AlreadyTransparentPercent    float64 `envconfig:"ALREADY_TRANSPARENT_PERCENT" default:"10" validate:"gte=0,lte=100"`
	AlreadyTransparentConfidence float64 `envconfig:"ALREADY_TRANSPARENT_CONFIDENCE" default:"75" validate:"gte=0,lte=100"`

	// Result validation
	PixelChangeDistance   float64 `envconfig:"PIXEL_CHANGE_DISTANCE" default:"10" validate:"gte=0"`
	ChangeMaxPercent      float64 `envconfig:"CHANGE_MAX_PERCENT" default:"95" validate:"gt=0,lte=100"`
	ColorRemovalMinChange float64 `envconfig:"COLOR_REMOVAL_MIN_CHANGE" default:"1" validate:"gte=0"`
	RecolorMinChange      float64 `envconfig:"RECOLOR_MIN_CHANGE" default:"5" validate:"gte=0"`
	BackgroundMinChange   float64 `envconfig:"BACKGROUND_MIN_CHANGE" default:"10" validate:"gte=0"`
	TextureMinChange      float64 `envconfig:"TEXTURE_MIN_CHANGE" default:"5" validate:"gte=0"`
	SharpnessPenaltyMax   float64 `envconfig:"SHARPNESS_PENALTY_MAX" default:"20" validate:"gte=0,lte=100"`
	NoisePenaltyMax       float64 `envconfig:"NOISE_PENALTY_MAX" default:"15" validate:"gte=0,lte=100"`
	NoChangePenalty       float64 `envconfig:"NO_CHANGE_PENALTY" default:"25" validate:"gte=0,lte=100"`
	PrintReadyBonus       float64 `envconfig:"PRINT_READY_BONUS" default:"5" validate:"gte=0,lte=100"`
	TransparencyBonus     float64 `envconfig:"TRANSPARENCY_BONUS" default:"5" validate:"gte=0,lte=100"`

	// Ground truth
	MeasurementPenalty     float64 `envconfig:"MEASUREMENT_PENALTY" default:"20" validate:"gte=0,lte=100"`
	DPIEstimatedPenalty    float64 `envconfig:"DPI_ESTIMATED_PENALTY" default:"5" validate:"gte=0,lte=100"`
	PrintReadyDPI          float64 `envconfig:"PRINT_READY_DPI" default:"300" validate:"gt=0"`
	PrintReadyLongSide     int     `envconfig:"PRINT_READY_LONG_SIDE" default:"3000" validate:"gt=0"`
	PrintReadyMinSharpness float64 `envconfig:"PRINT_READY_MIN_SHARPNESS" default:"40" validate:"gte=0,lte=100"`
	DominantColorCount     int     `envconfig:"DOMINANT_COLOR_COUNT" default:"5" validate:"gte=1,lte=16"`
	AssumedDPI             float64 `envconfig:"ASSUMED_DPI" default:"72" validate:"gt=0"`

	// Confidence aggregation
	MultiToolPenalty          float64 `envconfig:"MULTI_TOOL_PENALTY" default:"10" validate:"gte=0,lte=100"`
	MultiToolFreeCalls        int     `envconfig:"MULTI_TOOL_FREE_CALLS" default:"2" validate:"gte=1"`
	HistoryStoreMinConfidence float64 `envconfig:"HISTORY_STORE_MIN_CONFIDENCE" default:"70" validate:"gte=0,lte=100"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Validate required fields
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks ranges and cross-field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
