package services

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/trobanga/gradeflow/internal/models"
)

// EnvPrefix is the prefix of environment variable overrides, e.g. GRADEFLOW_LOG_LEVEL
const EnvPrefix = "GRADEFLOW"

// NewViper returns a viper instance seeded with the default configuration
// and wired to GRADEFLOW_ environment overrides
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, models.DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper, d models.ProjectConfig) {
	v.SetDefault("services.enhancement.url", d.Services.Enhancement.URL)
	v.SetDefault("services.enhancement.timeout_seconds", d.Services.Enhancement.TimeoutSeconds)
	v.SetDefault("services.openai.base_url", d.Services.OpenAI.BaseURL)
	v.SetDefault("services.openai.model", d.Services.OpenAI.Model)
	v.SetDefault("services.openai.vision_model", d.Services.OpenAI.VisionModel)

	v.SetDefault("pipeline.max_concurrency", d.Pipeline.MaxConcurrency)
	v.SetDefault("pipeline.stage_timeout_seconds", d.Pipeline.StageTimeoutSeconds)
	v.SetDefault("pipeline.iou_threshold", d.Pipeline.IoUThreshold)
	v.SetDefault("pipeline.image_concurrency", d.Pipeline.ImageConcurrency)
	v.SetDefault("pipeline.task_retention_minutes", d.Pipeline.TaskRetentionMin)

	v.SetDefault("validation.max_file_size_mb", d.Validation.MaxFileSizeMB)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_backoff_ms", d.Retry.InitialBackoffMs)
	v.SetDefault("retry.max_backoff_ms", d.Retry.MaxBackoffMs)
	v.SetDefault("retry.jitter", d.Retry.Jitter)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.capacity", d.Cache.Capacity)
	v.SetDefault("cache.ttl_minutes", d.Cache.TTLMinutes)

	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.dir", d.Storage.Dir)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)

	v.SetDefault("work_dir", d.WorkDir)
	v.SetDefault("log_level", d.LogLevel)
}

// LoadConfig loads configuration from file and merges with CLI flags
// Priority order (highest to lowest):
//  1. CLI flags (via BindFlags)
//  2. Environment variables (GRADEFLOW_ prefix)
//  3. Configuration file
//  4. Default values
func LoadConfig(v *viper.Viper, configFile string) (*models.ProjectConfig, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		// Search for config in standard locations
		v.SetConfigName("gradeflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/gradeflow")
		v.AddConfigPath("/etc/gradeflow")
	}

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "failed to read config file")
		}
	}

	defaults := models.DefaultConfig()

	// Scalars are read key by key; maps and lists go through UnmarshalKey
	config := models.ProjectConfig{
		Services: models.ServiceConfig{
			Enhancement: models.EnhancementConfig{
				URL:            v.GetString("services.enhancement.url"),
				TimeoutSeconds: v.GetInt("services.enhancement.timeout_seconds"),
			},
			OpenAI: models.OpenAIConfig{
				BaseURL:     v.GetString("services.openai.base_url"),
				Model:       v.GetString("services.openai.model"),
				VisionModel: v.GetString("services.openai.vision_model"),
			},
		},
		Pipeline: models.PipelineConfig{
			MaxConcurrency:      v.GetInt("pipeline.max_concurrency"),
			StageTimeoutSeconds: v.GetInt("pipeline.stage_timeout_seconds"),
			IoUThreshold:        v.GetFloat64("pipeline.iou_threshold"),
			ImageConcurrency:    v.GetInt("pipeline.image_concurrency"),
			TaskRetentionMin:    v.GetInt("pipeline.task_retention_minutes"),
		},
		Validation: models.ValidationConfig{
			MaxFileSizeMB: v.GetInt("validation.max_file_size_mb"),
		},
		Retry: models.RetryConfig{
			MaxAttempts:      v.GetInt("retry.max_attempts"),
			InitialBackoffMs: v.GetInt64("retry.initial_backoff_ms"),
			MaxBackoffMs:     v.GetInt64("retry.max_backoff_ms"),
			Jitter:           v.GetFloat64("retry.jitter"),
		},
		Cache: models.CacheConfig{
			Enabled:    v.GetBool("cache.enabled"),
			Capacity:   v.GetInt("cache.capacity"),
			TTLMinutes: v.GetInt("cache.ttl_minutes"),
		},
		Storage: models.StorageConfig{
			Driver:     v.GetString("storage.driver"),
			Dir:        v.GetString("storage.dir"),
			SQLitePath: v.GetString("storage.sqlite_path"),
		},
		WorkDir:  v.GetString("work_dir"),
		LogLevel: v.GetString("log_level"),
	}

	if err := unmarshalStageMap(v, "pipeline.stage_weights", &config.Pipeline.StageWeights); err != nil {
		return nil, err
	}
	if len(config.Pipeline.StageWeights) == 0 {
		config.Pipeline.StageWeights = defaults.Pipeline.StageWeights
	}
	if err := unmarshalStageMap(v, "pipeline.stage_timeouts", &config.Pipeline.StageTimeouts); err != nil {
		return nil, err
	}

	if v.IsSet("pipeline.grade_bands") {
		if err := v.UnmarshalKey("pipeline.grade_bands", &config.Pipeline.GradeBands); err != nil {
			return nil, eris.Wrap(err, "invalid pipeline.grade_bands")
		}
	}
	if len(config.Pipeline.GradeBands) == 0 {
		config.Pipeline.GradeBands = defaults.Pipeline.GradeBands
	}

	if v.IsSet("retry.per_kind") {
		raw := map[string]models.RetryOverride{}
		if err := v.UnmarshalKey("retry.per_kind", &raw); err != nil {
			return nil, eris.Wrap(err, "invalid retry.per_kind")
		}
		config.Retry.PerKind = make(map[models.ErrorKind]models.RetryOverride, len(raw))
		for kind, override := range raw {
			config.Retry.PerKind[canonicalErrorKind(kind)] = override
		}
	}

	if err := config.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid configuration")
	}

	// Work directory must exist before enhanced images are written
	if err := os.MkdirAll(config.WorkDir, 0755); err != nil {
		return nil, eris.Wrapf(err, "failed to create work directory %s", config.WorkDir)
	}

	return &config, nil
}

// unmarshalStageMap decodes a map keyed by stage name.
// Viper lowercases keys, so names are matched case-insensitively.
func unmarshalStageMap(v *viper.Viper, key string, out *map[models.StageName]int) error {
	if !v.IsSet(key) {
		return nil
	}
	raw := map[string]int{}
	if err := v.UnmarshalKey(key, &raw); err != nil {
		return eris.Wrapf(err, "invalid %s", key)
	}
	m := make(map[models.StageName]int, len(raw))
	for name, value := range raw {
		stage, ok := canonicalStageName(name)
		if !ok {
			return eris.Errorf("%s: unknown stage %q", key, name)
		}
		m[stage] = value
	}
	*out = m
	return nil
}

func canonicalStageName(name string) (models.StageName, bool) {
	for _, s := range models.PipelineOrder {
		if strings.EqualFold(string(s), name) {
			return s, true
		}
	}
	return "", false
}

func canonicalErrorKind(name string) models.ErrorKind {
	for _, k := range []models.ErrorKind{
		models.ErrorKindValidation,
		models.ErrorKindExternalService,
		models.ErrorKindTimeout,
		models.ErrorKindConfiguration,
		models.ErrorKindCancelled,
	} {
		if strings.EqualFold(string(k), name) {
			return k
		}
	}
	return models.ErrorKind(name)
}

// BindFlags binds CLI flags to configuration keys so they take precedence over file and env
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings map[string]string) error {
	for flagName, key := range bindings {
		f := flags.Lookup(flagName)
		if f == nil {
			return fmt.Errorf("unknown flag %q", flagName)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return eris.Wrapf(err, "failed to bind flag %s", flagName)
		}
	}
	return nil
}
