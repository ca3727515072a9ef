package main

import (
	"errors"
	"time"

	"github.com/spf13/viper"

	"github.com/franz/dedup-janitor/internal/score"
	"github.com/franz/dedup-janitor/internal/staging"
	"github.com/franz/dedup-janitor/internal/util"
)

func setDefaults() {
	viper.SetDefault("concurrency", 8)
	viper.SetDefault("plan", "dlc-plan.yaml")
	viper.SetDefault("reports_dir", "artifacts")
	viper.SetDefault("min_size", 1)

	viper.SetDefault("perceptual.threshold", 0.90)
	viper.SetDefault("perceptual.hash_size", 8)
	viper.SetDefault("semantic.threshold", 0.92)
	viper.SetDefault("semantic.lsh_bits", 64)
	viper.SetDefault("semantic.lsh_bands", 8)
	viper.SetDefault("cluster.exhaustive_cap", 2000)

	viper.SetDefault("embedding.url", "http://localhost:11434")
	viper.SetDefault("embedding.model", "nomic-embed-text")
	viper.SetDefault("embedding.max_in_flight", 4)
	viper.SetDefault("embedding.timeout", 30*time.Second)
	viper.SetDefault("embedding.rate", 0.0)
	viper.SetDefault("embedding.max_chars", 8000)

	w := score.DefaultWeights()
	viper.SetDefault("score.weights.resolution", w.Resolution)
	viper.SetDefault("score.weights.word_count", w.WordCount)
	viper.SetDefault("score.weights.tag_completeness", w.TagCompleteness)
	viper.SetDefault("score.weights.size", w.Size)
	viper.SetDefault("score.weights.copy_marker", w.CopyMarker)
	viper.SetDefault("score.prefer_newest", false)

	viper.SetDefault("retention", 30*24*time.Hour)
	viper.SetDefault("staging_lock_timeout", staging.DefaultLockTimeout)
}

// GetConfigString retrieves a string config value with proper precedence:
// 1. Command-line flag (if set)
// 2. Environment variable (DLC_*)
// 3. Config file
// 4. Default value
func GetConfigString(key string, defaultValue string) string {
	val := viper.GetString(key)
	if val == "" {
		return defaultValue
	}
	return val
}

// GetConfigInt retrieves an int config value with proper precedence
func GetConfigInt(key string, defaultValue int) int {
	val := viper.GetInt(key)
	if val <= 0 {
		return defaultValue
	}
	return val
}

// scoreWeights reads score.weights over the defaults, so a partial
// section only changes the weights it names
func scoreWeights() (score.Weights, error) {
	w := score.DefaultWeights()
	if err := viper.UnmarshalKey("score.weights", &w); err != nil {
		return score.DefaultWeights(), err
	}
	return w, nil
}

// exitCode maps the error taxonomy onto process exit codes
func exitCode(err error) int {
	switch {
	case errors.Is(err, util.ErrIntegrity), errors.Is(err, util.ErrBackupVerificationFailed):
		return 3
	case errors.Is(err, util.ErrTransactionBusy):
		return 4
	case errors.Is(err, util.ErrStaleRedo), errors.Is(err, util.ErrClosedTransaction):
		return 5
	case errors.Is(err, util.ErrInvalidConfig):
		return 2
	default:
		return 1
	}
}
