package daemon

import (
	"github.com/spf13/viper"

	"runway/internal/defaults"
)

const (
	// EnvLogLevel sets the daemon log level: debug, info, warn, or error.
	EnvLogLevel = "RUNWAYD_LOG_LEVEL"
	// EnvOTLPEndpoint enables OTLP/HTTP trace export when non-empty.
	EnvOTLPEndpoint = "RUNWAYD_OTLP_ENDPOINT"
)

// Config holds the daemon's runtime configuration, resolved from the
// environment with built-in defaults.
type Config struct {
	DataRoot     string
	Socket       string
	LogLevel     string
	OTLPEndpoint string
}

// LoadConfig resolves the daemon configuration from environment variables.
func LoadConfig() Config {
	v := viper.New()

	// Defaults
	v.SetDefault(defaults.EnvDataRoot, defaults.DataRoot())
	v.SetDefault(defaults.EnvSocket, defaults.SocketPath())
	v.SetDefault(EnvLogLevel, "info")
	v.SetDefault(EnvOTLPEndpoint, "")

	// Env
	v.AutomaticEnv()

	return Config{
		DataRoot:     v.GetString(defaults.EnvDataRoot),
		Socket:       v.GetString(defaults.EnvSocket),
		LogLevel:     v.GetString(EnvLogLevel),
		OTLPEndpoint: v.GetString(EnvOTLPEndpoint),
	}
}
