// Package config loads bridge configuration from the environment and
// an optional YAML file via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved, validated set of options the bridge
// needs to run.
type Config struct {
	HPBURL            string
	HPBInternalSecret string
	NextcloudURL      string

	STTWorkspace  string
	STTKey        string
	STTSecret     string
	STTHostSuffix string

	SkipCertVerify bool

	MaxConnectionRetries int
	RetryBackoffBase     int

	ModalConnectTimeout time.Duration
	StaleTimeout        time.Duration
	CallLeaveTimeout    time.Duration

	MemoryCeilingMB int

	HTTPListenAddr string

	LogLevel string
}

// Load reads configuration from environment variables (prefix LT_) and,
// if present, a YAML file at configPath, then validates required
// fields. configPath may be empty.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("stt_host_suffix", "kyutai-stt-rust-kyutaisttrustservice-serve.modal.run")
	v.SetDefault("skip_cert_verify", false)
	v.SetDefault("max_connection_retries", 5)
	v.SetDefault("retry_backoff_base", 2)
	v.SetDefault("modal_connect_timeout", "120s")
	v.SetDefault("stale_timeout", "30s")
	v.SetDefault("call_leave_timeout", "2s")
	v.SetDefault("memory_ceiling_mb", 0)
	v.SetDefault("http_listen_addr", ":23000")
	v.SetDefault("log_level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	cfg := Config{
		HPBURL:               v.GetString("hpb_url"),
		HPBInternalSecret:    v.GetString("hpb_internal_secret"),
		NextcloudURL:         v.GetString("nextcloud_url"),
		STTWorkspace:         v.GetString("stt_workspace"),
		STTKey:               v.GetString("stt_key"),
		STTSecret:            v.GetString("stt_secret"),
		STTHostSuffix:        v.GetString("stt_host_suffix"),
		SkipCertVerify:       v.GetBool("skip_cert_verify"),
		MaxConnectionRetries: v.GetInt("max_connection_retries"),
		RetryBackoffBase:     v.GetInt("retry_backoff_base"),
		ModalConnectTimeout:  v.GetDuration("modal_connect_timeout"),
		StaleTimeout:         v.GetDuration("stale_timeout"),
		CallLeaveTimeout:     v.GetDuration("call_leave_timeout"),
		MemoryCeilingMB:      v.GetInt("memory_ceiling_mb"),
		HTTPListenAddr:       v.GetString("http_listen_addr"),
		LogLevel:             v.GetString("log_level"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var missing []string
	if c.HPBURL == "" {
		missing = append(missing, "hpb_url")
	}
	if c.HPBInternalSecret == "" {
		missing = append(missing, "hpb_internal_secret")
	}
	if c.NextcloudURL == "" {
		missing = append(missing, "nextcloud_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required options: %s", strings.Join(missing, ", "))
	}
	return nil
}

// STTConfigured reports whether enough STT credentials are present to
// attempt a connection; absence is not a fatal config error since a
// room can exist before transcription is enabled.
func (c Config) STTConfigured() bool {
	return c.STTWorkspace != "" && c.STTKey != "" && c.STTSecret != ""
}
