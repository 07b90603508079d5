package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the peer node runtime parameters.
type Config struct {
	ListenAddress       string         `mapstructure:"listen_address"`
	DisplayName         string         `mapstructure:"display_name"`
	AdminAddress        string         `mapstructure:"admin_address"`
	LogLevel            string         `mapstructure:"log_level"`
	LogEncoding         string         `mapstructure:"log_encoding"`
	ShutdownGracePeriod time.Duration  `mapstructure:"shutdown_grace_period"`
	Keystore            KeystoreConfig `mapstructure:"keystore"`
	Relay               RelayConfig    `mapstructure:"relay"`
}

// KeystoreConfig describes how the keystore backend is initialized.
type KeystoreConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

// RelayConfig lists replication peers and connection parameters.
type RelayConfig struct {
	Peers            []string      `mapstructure:"peers"`
	ReconnectMinWait time.Duration `mapstructure:"reconnect_min_wait"`
	ReconnectMaxWait time.Duration `mapstructure:"reconnect_max_wait"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
}

const (
	defaultListenAddress    = "0.0.0.0:8765"
	defaultAdminAddress     = "127.0.0.1:9465"
	defaultLogLevel         = "info"
	defaultDisplayName      = "Anonim"
	defaultGracePeriod      = 10 * time.Second
	defaultPassphraseEnv    = "ATACORD_KEYSTORE_PASSPHRASE"
	defaultKeystorePath     = "data/keystore.json"
	defaultReconnectMinWait = time.Second
	defaultReconnectMaxWait = 30 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with ATACORD_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ATACORD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("display_name", defaultDisplayName)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_encoding", "json")
	v.SetDefault("shutdown_grace_period", defaultGracePeriod.String())
	v.SetDefault("keystore.path", defaultKeystorePath)
	v.SetDefault("keystore.passphrase_env", defaultPassphraseEnv)
	v.SetDefault("relay.reconnect_min_wait", defaultReconnectMinWait.String())
	v.SetDefault("relay.reconnect_max_wait", defaultReconnectMaxWait.String())
	v.SetDefault("relay.write_timeout", defaultWriteTimeout.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, d := range []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultGracePeriod},
		{"relay.reconnect_min_wait", &cfg.Relay.ReconnectMinWait, defaultReconnectMinWait},
		{"relay.reconnect_max_wait", &cfg.Relay.ReconnectMaxWait, defaultReconnectMaxWait},
		{"relay.write_timeout", &cfg.Relay.WriteTimeout, defaultWriteTimeout},
	} {
		if v.IsSet(d.key) {
			dur, err := time.ParseDuration(v.GetString(d.key))
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = dur
		} else {
			*d.dst = d.def
		}
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = defaultDisplayName
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = defaultPassphraseEnv
	}
	if cfg.Keystore.Path == "" {
		cfg.Keystore.Path = defaultKeystorePath
	}

	return cfg, nil
}

// Passphrase fetches the keystore passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Keystore.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("keystore passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
