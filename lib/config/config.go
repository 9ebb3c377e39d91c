// Package config loads lightway-server's configuration from a file (YAML,
// TOML, or JSON — whatever extension is given) layered under
// LIGHTWAY_-prefixed environment variable overrides, the way the teacher's
// cmd/sam-bridge/main.go layers flag defaults under SAM_*/I2CP_* env
// overrides, generalized here to viper's layered loading since viper is
// already present in the teacher's own dependency graph (transitively, via
// fsnotify/afero/cast/mapstructure) and is a better fit for a config file
// plus many individually-overridable settings than flag+os.Getenv pairs.
package config

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable lightway-server needs at startup.
type Config struct {
	ControlListenAddr string        `mapstructure:"control_listen_addr"`
	DataListenAddr    string        `mapstructure:"data_listen_addr"`
	Transport         string        `mapstructure:"transport"` // "tls" or "dtls"
	TLSCertFile       string        `mapstructure:"tls_cert_file"`
	TLSKeyFile        string        `mapstructure:"tls_key_file"`

	PasswordFile string `mapstructure:"password_file"`
	TokenKeyFile string `mapstructure:"token_key_file"`

	InsidePrefix string `mapstructure:"inside_prefix"` // e.g. "10.70.0.0/24"
	InsideMask   uint8  `mapstructure:"inside_mask"`
	DNS          string `mapstructure:"dns"`
	MTU          uint16 `mapstructure:"mtu"`
	TunName      string `mapstructure:"tun_name"`

	MaxSessions int           `mapstructure:"max_sessions"`
	AuthTimeout time.Duration `mapstructure:"auth_timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	MetricsListenAddr string `mapstructure:"metrics_listen_addr"`

	Debug bool `mapstructure:"debug"`

	TrustedPeers []string `mapstructure:"trusted_peers"` // CIDR blocks allowed to send a PROXY header
}

// setDefaults installs every default value before a config file or
// environment override is applied, mirroring the teacher's ":7656"-style
// flag defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("control_listen_addr", ":7000")
	v.SetDefault("data_listen_addr", ":7000")
	v.SetDefault("transport", "tls")
	v.SetDefault("inside_prefix", "10.70.0.0/24")
	v.SetDefault("inside_mask", 24)
	v.SetDefault("mtu", 1350)
	v.SetDefault("max_sessions", 0)
	v.SetDefault("auth_timeout", 30*time.Second)
	v.SetDefault("idle_timeout", 5*time.Minute)
	v.SetDefault("metrics_listen_addr", ":9100")
	v.SetDefault("debug", false)
}

// Load reads configuration from path (if non-empty) layered under
// LIGHTWAY_-prefixed environment variables, e.g. LIGHTWAY_CONTROL_LISTEN_ADDR
// overrides control_listen_addr.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LIGHTWAY")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if _, err := netip.ParsePrefix(c.InsidePrefix); err != nil {
		return fmt.Errorf("config: inside_prefix %q: %w", c.InsidePrefix, err)
	}
	switch c.Transport {
	case "tls", "dtls":
	default:
		return fmt.Errorf("config: transport must be \"tls\" or \"dtls\", got %q", c.Transport)
	}
	if c.TLSCertFile == "" || c.TLSKeyFile == "" {
		return fmt.Errorf("config: tls_cert_file and tls_key_file are required (DTLS reuses the same certificate)")
	}
	if c.PasswordFile == "" && c.TokenKeyFile == "" {
		return fmt.Errorf("config: at least one of password_file or token_key_file is required")
	}
	return nil
}
