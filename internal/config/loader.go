package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config]. A missing file is not an
// error when every required option is supplied through the environment:
// in that case Load starts from [Default].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
				return nil, err
			}
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result,
// without consulting the environment. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode unmarshals YAML over a defaulted Config so absent keys keep their
// default values. Unknown keys are an error.
func decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty file: all defaults.
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays recognised environment options onto cfg. lookup is
// normally [os.LookupEnv]; tests inject a map-backed function. Unset
// variables leave the corresponding field untouched. Malformed numeric
// values are collected into a joined error.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	setString := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q is not an integer", key, v))
			return
		}
		*dst = n
	}
	setInt64 := func(key string, dst *int64) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q is not an integer", key, v))
			return
		}
		*dst = n
	}

	setString("DATABASE_URL", &cfg.Database.URL)
	setString("AUDIO_STORAGE_DIR", &cfg.Storage.Root)
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = LogLevel(v)
	}

	setString("HOST", &cfg.Ingest.Host)
	setInt("PORT", &cfg.Ingest.Port)
	setInt64("MAX_UPLOAD_SIZE_BYTES", &cfg.Ingest.MaxUploadSizeBytes)
	setString("ADMIN_TOKEN", &cfg.Ingest.AdminToken)
	setString("INTERNAL_TOKEN", &cfg.Ingest.InternalToken)

	setInt("VAD_AGGRESSIVENESS", &cfg.Worker.VAD.Aggressiveness)
	setInt("VAD_FRAME_MS", &cfg.Worker.VAD.FrameMs)
	setInt("SILENCE_GAP_SEC", &cfg.Worker.Dialogue.SilenceGapSec)
	setInt("MAX_DIALOGUE_SEC", &cfg.Worker.Dialogue.MaxDialogueSec)
	setInt("POLL_INTERVAL_SEC", &cfg.Worker.PollIntervalSec)
	setInt("BATCH_SIZE", &cfg.Worker.BatchSize)
	setInt("MAX_RETRIES", &cfg.Worker.MaxRetries)
	setInt("RETRY_DELAY_SEC", &cfg.Worker.RetryDelaySec)
	setInt("STUCK_TIMEOUT_SEC", &cfg.Worker.StuckTimeoutSec)
	setInt("RECOVERY_INTERVAL_SEC", &cfg.Worker.RecoveryIntervalSec)
	setInt("METRICS_LOG_INTERVAL_SEC", &cfg.Worker.MetricsLogIntervalSec)

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values and clamps the
// scheduling knobs that tolerate out-of-range input. It returns a joined
// error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Database
	if cfg.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required (or set DATABASE_URL)"))
	}
	if cfg.Database.StatementTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("database.statement_timeout_sec %d must be positive", cfg.Database.StatementTimeoutSec))
	}

	// Storage
	if cfg.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root is required (or set AUDIO_STORAGE_DIR)"))
	}

	// Ingest
	if cfg.Ingest.Port < 1 || cfg.Ingest.Port > 65535 {
		errs = append(errs, fmt.Errorf("ingest.port %d is out of range [1, 65535]", cfg.Ingest.Port))
	}
	if cfg.Ingest.MaxUploadSizeBytes <= 0 {
		errs = append(errs, fmt.Errorf("ingest.max_upload_size_bytes %d must be positive", cfg.Ingest.MaxUploadSizeBytes))
	}
	if cfg.Ingest.AdminToken == "" {
		slog.Warn("ingest.admin_token is empty; the device admin API will answer 503")
	}
	if cfg.Ingest.InternalToken == "" {
		slog.Warn("ingest.internal_token is empty; the internal chunk-fetch endpoint will answer 503")
	}

	// Worker scheduling. Poll interval and batch size are clamped rather than
	// rejected so a fat-fingered deploy degrades instead of crash-looping.
	if cfg.Worker.PollIntervalSec < 1 || cfg.Worker.PollIntervalSec > 300 {
		clamped := min(max(cfg.Worker.PollIntervalSec, 1), 300)
		slog.Warn("worker.poll_interval_sec out of range [1, 300]; clamping",
			"configured", cfg.Worker.PollIntervalSec,
			"clamped", clamped,
		)
		cfg.Worker.PollIntervalSec = clamped
	}
	if cfg.Worker.BatchSize < 1 || cfg.Worker.BatchSize > 100 {
		clamped := min(max(cfg.Worker.BatchSize, 1), 100)
		slog.Warn("worker.batch_size out of range [1, 100]; clamping",
			"configured", cfg.Worker.BatchSize,
			"clamped", clamped,
		)
		cfg.Worker.BatchSize = clamped
	}
	if cfg.Worker.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("worker.max_retries %d must be at least 1", cfg.Worker.MaxRetries))
	}
	if cfg.Worker.RetryDelaySec < 0 {
		errs = append(errs, fmt.Errorf("worker.retry_delay_sec %d must not be negative", cfg.Worker.RetryDelaySec))
	}
	if cfg.Worker.StuckTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("worker.stuck_timeout_sec %d must be positive", cfg.Worker.StuckTimeoutSec))
	}
	if cfg.Worker.RecoveryIntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("worker.recovery_interval_sec %d must be positive", cfg.Worker.RecoveryIntervalSec))
	}
	if cfg.Worker.MetricsLogIntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("worker.metrics_log_interval_sec %d must be positive", cfg.Worker.MetricsLogIntervalSec))
	}
	if cfg.Worker.ShutdownGraceSec < 0 {
		errs = append(errs, fmt.Errorf("worker.shutdown_grace_sec %d must not be negative", cfg.Worker.ShutdownGraceSec))
	}

	// VAD
	if cfg.Worker.VAD.Aggressiveness < 0 || cfg.Worker.VAD.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("worker.vad.aggressiveness %d is out of range [0, 3]", cfg.Worker.VAD.Aggressiveness))
	}
	switch cfg.Worker.VAD.FrameMs {
	case 10, 20, 30:
	default:
		errs = append(errs, fmt.Errorf("worker.vad.frame_ms %d is invalid; valid values: 10, 20, 30", cfg.Worker.VAD.FrameMs))
	}

	// Dialogue stitching
	if cfg.Worker.Dialogue.SilenceGapSec <= 0 {
		errs = append(errs, fmt.Errorf("worker.dialogue.silence_gap_sec %d must be positive", cfg.Worker.Dialogue.SilenceGapSec))
	}
	if cfg.Worker.Dialogue.MaxDialogueSec <= 0 {
		errs = append(errs, fmt.Errorf("worker.dialogue.max_dialogue_sec %d must be positive", cfg.Worker.Dialogue.MaxDialogueSec))
	}

	return errors.Join(errs...)
}
