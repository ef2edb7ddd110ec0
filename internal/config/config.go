// Package config loads daemon configuration from file, environment, and
// defaults, in that order of increasing precedence for env overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/fentz26/iglood/internal/broker"
	"github.com/fentz26/iglood/internal/queue"
	"github.com/fentz26/iglood/internal/signer"
)

// Config is the full daemon configuration.
type Config struct {
	// Listen is the control plane bind address.
	Listen string `mapstructure:"listen"`
	// DBPath is the sqlite database holding rules and the audit log.
	DBPath string `mapstructure:"db_path"`
	// SignerURL is the threshold-signing coordinator endpoint.
	SignerURL string `mapstructure:"signer_url"`
	// Consent selects the approver: "center" (interactive), "allow", "deny".
	Consent string `mapstructure:"consent"`

	LogLevel string `mapstructure:"log_level"`
	// LogFile, when set, sends logs to a rotated file instead of stderr.
	LogFile string `mapstructure:"log_file"`

	Queue  queue.Config  `mapstructure:"queue"`
	Signer signer.Config `mapstructure:"signer"`
	Broker broker.Config `mapstructure:"broker"`
}

// Load reads the config file at path, or ~/.iglood/config.yaml when path is
// empty. A missing file is fine; defaults and IGLOOD_* env vars apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen", "127.0.0.1:8480")
	v.SetDefault("db_path", defaultDBPath())
	v.SetDefault("signer_url", "http://127.0.0.1:8481")
	v.SetDefault("consent", "center")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	qd := queue.DefaultConfig()
	v.SetDefault("queue.high_window", qd.HighWindow)
	v.SetDefault("queue.normal_window", qd.NormalWindow)
	v.SetDefault("queue.low_window", qd.LowWindow)
	v.SetDefault("queue.max_batch", qd.MaxBatch)
	v.SetDefault("queue.max_depth", qd.MaxDepth)
	v.SetDefault("queue.max_age", qd.MaxAge)
	v.SetDefault("queue.tick", qd.Tick)
	v.SetDefault("queue.cleanup_every", qd.CleanupEvery)

	sd := signer.DefaultConfig()
	v.SetDefault("signer.cache_ttl", sd.CacheTTL)
	v.SetDefault("signer.collect_delay", sd.CollectDelay)
	v.SetDefault("signer.pending_cap", sd.PendingCap)
	v.SetDefault("signer.failure_threshold", sd.FailureThreshold)
	v.SetDefault("signer.reconnect_timeout", sd.ReconnectTimeout)
	v.SetDefault("signer.call_timeout", sd.CallTimeout)

	bd := broker.DefaultConfig()
	v.SetDefault("broker.prompt_timeout", bd.PromptTimeout)
	v.SetDefault("broker.dispatch_parallelism", bd.DispatchParallelism)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".iglood"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("IGLOOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Only an explicitly named file is required to exist.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "iglood.db"
	}
	return filepath.Join(home, ".iglood", "iglood.db")
}
