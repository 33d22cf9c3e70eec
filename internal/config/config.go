// Package config loads the bus's configuration surface from defaults,
// an optional config file, and environment variables, using viper.
// Grounded on go-server-3/internal/config.Load's
// SetDefault-then-AutomaticEnv shape.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Values is the configuration surface enumerated in spec §6.
type Values struct {
	Address             string        `mapstructure:"address"`
	ClientID            int           `mapstructure:"client_id"`
	MaxReconnectAttempts int          `mapstructure:"max_reconnect_attempts"`
	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout"`
	RecordingDir        string        `mapstructure:"recording_dir"`

	LogLevel       string `mapstructure:"log_level"`
	LogDevelopment bool   `mapstructure:"log_development"`

	MetricsEnabled bool `mapstructure:"metrics_enabled"`
}

// Load reads configuration with the "IBGW_" environment prefix,
// optionally merging an "ibgw" config file found on the search path.
func Load() (Values, error) {
	v := viper.New()

	v.SetDefault("address", "127.0.0.1:7497")
	v.SetDefault("client_id", 0)
	v.SetDefault("max_reconnect_attempts", 20)
	v.SetDefault("handshake_timeout", 30*time.Second)
	v.SetDefault("recording_dir", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_development", false)
	v.SetDefault("metrics_enabled", true)

	v.SetConfigName("ibgw")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("IBGW")
	v.AutomaticEnv()

	_ = v.ReadInConfig() // optional; absence is not an error

	var values Values
	if err := v.Unmarshal(&values); err != nil {
		return Values{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if values.MaxReconnectAttempts <= 0 {
		values.MaxReconnectAttempts = 20
	}
	if values.HandshakeTimeout <= 0 {
		values.HandshakeTimeout = 30 * time.Second
	}

	return values, nil
}
