// Package config loads server and client settings for the gomodbus
// binaries: built-in defaults, layered with an optional config file, layered
// with environment variables, the way EdgeFlow's config package does it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/haldring/gomodbus-slave/common"
)

// ServerConfig holds settings for the Modbus TCP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	CoilCount     int `mapstructure:"coil_count"`
	CoilBase      int `mapstructure:"coil_base"`
	DiscreteCount int `mapstructure:"discrete_count"`
	DiscreteBase  int `mapstructure:"discrete_base"`
	HoldingCount  int `mapstructure:"holding_count"`
	HoldingBase   int `mapstructure:"holding_base"`
	InputCount    int `mapstructure:"input_count"`
	InputBase     int `mapstructure:"input_base"`
}

// ClientConfig holds settings for outbound connections made by the CLI's
// client subcommands.
type ClientConfig struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	UnitID  int           `mapstructure:"unit_id"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggerConfig holds logging settings shared by server and client.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	RotatePath string `mapstructure:"rotate_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Config is the top-level configuration tree for the gomodbus CLI.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
	Logger LoggerConfig `mapstructure:"logger"`
}

// ParseLevel maps a textual level name onto a common.LogLevel, defaulting to
// LevelInfo for anything unrecognized.
func ParseLevel(name string) common.LogLevel {
	switch name {
	case "trace":
		return common.LevelTrace
	case "debug":
		return common.LevelDebug
	case "warn":
		return common.LevelWarn
	case "error":
		return common.LevelError
	case "none":
		return common.LevelNone
	default:
		return common.LevelInfo
	}
}

// Load reads configuration from defaults, an optional config file, and
// environment variables prefixed GOMODBUS_ (e.g. GOMODBUS_SERVER_PORT).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("gomodbus")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(configDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix("GOMODBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// These are the size of the simulated address space, not to be confused
	// with common.MaxCoilCount/MaxRegisterCount, which bound the quantity a
	// single request may touch (FC 0x01-0x04's own per-call limits).
	const defaultCoilCount = 10000
	const defaultDiscreteCount = 10000
	const defaultHoldingCount = 10000
	const defaultInputCount = 10000

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", int(common.DefaultTCPPort))
	v.SetDefault("server.coil_count", defaultCoilCount)
	v.SetDefault("server.coil_base", 0)
	v.SetDefault("server.discrete_count", defaultDiscreteCount)
	v.SetDefault("server.discrete_base", 0)
	v.SetDefault("server.holding_count", defaultHoldingCount)
	v.SetDefault("server.holding_base", 0)
	v.SetDefault("server.input_count", defaultInputCount)
	v.SetDefault("server.input_base", 0)

	v.SetDefault("client.host", "127.0.0.1")
	v.SetDefault("client.port", int(common.DefaultTCPPort))
	v.SetDefault("client.unit_id", 1)
	v.SetDefault("client.timeout", 5*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.max_size_mb", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age_days", 28)
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".gomodbus")
}
