// Package config loads readbridge's configuration from a YAML file overlaid
// with environment variables, following the same file-then-env precedence as
// the teacher project this module grew out of.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig is the shared shape for every external service entry under
// Clients. Not every field applies to every client (Hardcover accepts
// PollSeconds and Mode, but a Hardcover poller never finds a change since
// its FetchState always reports absent; KoReaderSync has no URL since it is
// backed directly by the progress store).
type ClientConfig struct {
	Enabled     bool          `yaml:"enabled" env:"ENABLED"`
	URL         string        `yaml:"url" env:"URL"`
	Token       string        `yaml:"token" env:"TOKEN"`
	// Password is only consumed by Storyteller, which authenticates with a
	// username/password pair rather than a static bearer token; Token holds
	// the username in that case.
	Password    string        `yaml:"password" env:"PASSWORD"`
	Mode        string        `yaml:"mode" env:"MODE"` // "global" or "custom"
	PollSeconds time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// Config holds all configuration for readbridge.
type Config struct {
	Server struct {
		HealthPort string `yaml:"health_port" env:"HEALTH_PORT"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level" env:"LOG_LEVEL"`
		Format string `yaml:"format" env:"LOG_FORMAT"`
	} `yaml:"logging"`

	Store struct {
		Driver string `yaml:"driver" env:"STORE_DRIVER"` // sqlite, mysql, postgres
		DSN    string `yaml:"dsn" env:"STORE_DSN"`
	} `yaml:"store"`

	Suppression struct {
		TTL time.Duration `yaml:"ttl" env:"SUPPRESSION_TTL"`
	} `yaml:"suppression"`

	Clients struct {
		ABS          ClientConfig `yaml:"abs" env:"ABS"`
		KoReaderSync ClientConfig `yaml:"kosync" env:"KOSYNC"`
		Storyteller  ClientConfig `yaml:"storyteller" env:"STORYTELLER"`
		Booklore     ClientConfig `yaml:"booklore" env:"BOOKLORE"`
		Hardcover    ClientConfig `yaml:"hardcover" env:"HARDCOVER"`
	} `yaml:"clients"`

	Trigger struct {
		DebounceSeconds        time.Duration `yaml:"debounce_seconds" env:"DEBOUNCE_SECONDS"`
		SyncPeriodMinutes      time.Duration `yaml:"sync_period_minutes" env:"SYNC_PERIOD_MINUTES"`
		CycleTimeoutSeconds    time.Duration `yaml:"cycle_timeout_seconds" env:"CYCLE_TIMEOUT_SECONDS"`
		AdapterDeadlineSeconds time.Duration `yaml:"adapter_deadline_seconds" env:"ADAPTER_DEADLINE_SECONDS"`
	} `yaml:"trigger"`

	Align struct {
		GlobalNgram  int `yaml:"global_ngram" env:"ALIGN_GLOBAL_NGRAM"`
		BackfillNgram int `yaml:"backfill_ngram" env:"ALIGN_BACKFILL_NGRAM"`
		MinAnchors   int `yaml:"min_anchors" env:"ALIGN_MIN_ANCHORS"`
		BackfillWindowSeconds float64 `yaml:"backfill_window_seconds" env:"ALIGN_BACKFILL_WINDOW_SECONDS"`
	} `yaml:"align"`

	Locate struct {
		WindowFraction  float64 `yaml:"window_fraction" env:"LOCATE_WINDOW_FRACTION"`
		FuzzyThreshold  float64 `yaml:"fuzzy_threshold" env:"LOCATE_FUZZY_THRESHOLD"`
		SnippetChars    int     `yaml:"snippet_chars" env:"LOCATE_SNIPPET_CHARS"`
	} `yaml:"locate"`

	Transcription struct {
		ChunkMinutes          int    `yaml:"chunk_minutes" env:"TRANSCRIPTION_CHUNK_MINUTES"`
		JobMaxRetries         int    `yaml:"job_max_retries" env:"JOB_MAX_RETRIES"`
		JobRetryDelayMinutes  int    `yaml:"job_retry_delay_minutes" env:"JOB_RETRY_DELAY_MINUTES"`
		TranscriberURL        string `yaml:"transcriber_url" env:"TRANSCRIBER_URL"`
		ModelHint             string `yaml:"model_hint" env:"TRANSCRIBER_MODEL_HINT"`
	} `yaml:"transcription"`

	App struct {
		DryRun                        bool    `yaml:"dry_run" env:"DRY_RUN"`
		Debug                         bool    `yaml:"debug" env:"DEBUG"`
		DeltaABSSeconds               float64 `yaml:"delta_abs_seconds" env:"SYNC_DELTA_ABS_SECONDS"`
		DeltaKosyncPercent            float64 `yaml:"delta_kosync_percent" env:"SYNC_DELTA_KOSYNC_PERCENT"`
		DeltaKosyncWords              int     `yaml:"delta_kosync_words" env:"SYNC_DELTA_KOSYNC_WORDS"`
		DeltaBetweenClientsPercent    float64 `yaml:"delta_between_clients_percent" env:"SYNC_DELTA_BETWEEN_CLIENTS_PERCENT"`
		AntiRegressionTolerance       float64 `yaml:"anti_regression_tolerance" env:"ANTI_REGRESSION_TOLERANCE"`
		MaxConsecutiveFullFailures    int     `yaml:"max_consecutive_full_failures" env:"MAX_CONSECUTIVE_FULL_FAILURES"`
	} `yaml:"app"`

	Paths struct {
		AudioCacheDir   string `yaml:"audio_cache_dir" env:"AUDIO_CACHE_DIR"`
		TranscriptsDir  string `yaml:"transcripts_dir" env:"TRANSCRIPTS_DIR"`
		AlignmentsDir   string `yaml:"alignments_dir" env:"ALIGNMENTS_DIR"`
		LogsDir         string `yaml:"logs_dir" env:"LOGS_DIR"`
	} `yaml:"paths"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.HealthPort = "8080"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = "./readbridge.db"

	cfg.Suppression.TTL = 60 * time.Second

	cfg.Clients.ABS.Mode = "global"
	cfg.Clients.KoReaderSync.Mode = "global"
	cfg.Clients.Storyteller.Mode = "global"
	cfg.Clients.Booklore.Mode = "global"
	cfg.Clients.Hardcover.Mode = "global"

	cfg.Trigger.DebounceSeconds = 30 * time.Second
	cfg.Trigger.SyncPeriodMinutes = 5 * time.Minute
	cfg.Trigger.CycleTimeoutSeconds = 120 * time.Second
	cfg.Trigger.AdapterDeadlineSeconds = 20 * time.Second

	cfg.Align.GlobalNgram = 12
	cfg.Align.BackfillNgram = 6
	cfg.Align.MinAnchors = 3
	cfg.Align.BackfillWindowSeconds = 30

	cfg.Locate.WindowFraction = 0.15
	cfg.Locate.FuzzyThreshold = 80
	cfg.Locate.SnippetChars = 800

	cfg.Transcription.ChunkMinutes = 45
	cfg.Transcription.JobMaxRetries = 3
	cfg.Transcription.JobRetryDelayMinutes = 5

	cfg.App.DryRun = false
	cfg.App.DeltaABSSeconds = 5
	cfg.App.DeltaKosyncPercent = 0.005
	cfg.App.DeltaKosyncWords = 50
	cfg.App.DeltaBetweenClientsPercent = 0.005
	cfg.App.AntiRegressionTolerance = 0.005
	cfg.App.MaxConsecutiveFullFailures = 3

	cfg.Paths.AudioCacheDir = "./audio_cache"
	cfg.Paths.TranscriptsDir = "./transcripts"
	cfg.Paths.AlignmentsDir = "./alignments"
	cfg.Paths.LogsDir = "./logs"

	return cfg
}

// Load loads configuration from a file (if specified) and then overlays
// environment variables, which always win.
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		absPath, err := filepath.Abs(configFile)
		if err == nil {
			configFile = absPath
		}

		if _, err := os.Stat(configFile); err == nil {
			data, err := os.ReadFile(configFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	overrideFromEnv(reflect.ValueOf(cfg).Elem(), "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration required for at least one client
// adapter to function is present. Individual clients decide their own
// is_configured() from their block; Validate only guards against a totally
// unusable configuration.
func (c *Config) Validate() error {
	anyConfigured := c.Clients.ABS.Token != "" ||
		c.Clients.Storyteller.Token != "" ||
		c.Clients.Booklore.Token != "" ||
		c.Clients.Hardcover.Token != "" ||
		c.Clients.KoReaderSync.Enabled

	if !anyConfigured {
		return &ValidationError{Msg: "no client is configured; set at least one of the Clients.* tokens"}
	}
	return nil
}

// ValidationError represents a configuration validation failure.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "config error: " + e.Msg
}

// overrideFromEnv walks every struct field tagged `env:"..."` and overrides
// it from the environment when the variable is set, recursing into nested
// structs. This generalizes the teacher's per-field environment lookups into
// a single reflective pass so every new config knob gets env support for
// free.
func overrideFromEnv(v reflect.Value, prefix string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if !fv.CanSet() {
			continue
		}

		if fv.Kind() == reflect.Struct && fv.Type() != reflect.TypeOf(time.Duration(0)) {
			nextPrefix := prefix
			if tag := field.Tag.Get("env"); tag != "" {
				if nextPrefix != "" {
					nextPrefix = nextPrefix + "_" + tag
				} else {
					nextPrefix = tag
				}
			}
			overrideFromEnv(fv, nextPrefix)
			continue
		}

		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}
		if prefix != "" {
			envKey = prefix + "_" + envKey
		}

		raw, ok := os.LookupEnv(envKey)
		if !ok || raw == "" {
			continue
		}

		setFieldFromString(fv, raw)
	}
}

func setFieldFromString(fv reflect.Value, raw string) {
	switch {
	case fv.Type() == reflect.TypeOf(time.Duration(0)):
		if d, err := time.ParseDuration(raw); err == nil {
			fv.Set(reflect.ValueOf(d))
		} else if secs, err := strconv.ParseFloat(raw, 64); err == nil {
			fv.Set(reflect.ValueOf(time.Duration(secs * float64(time.Second))))
		}
	case fv.Kind() == reflect.String:
		fv.SetString(strings.TrimSuffix(raw, "/"))
	case fv.Kind() == reflect.Bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			fv.SetBool(b)
		}
	case fv.Kind() == reflect.Int || fv.Kind() == reflect.Int64:
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			fv.SetInt(i)
		}
	case fv.Kind() == reflect.Float64 || fv.Kind() == reflect.Float32:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			fv.SetFloat(f)
		}
	}
}
