/*
Package config loads the pusher configuration from an optional YAML file
overridden by PUSHER_-prefixed environment variables.
*/
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Default config file locations, first found wins.
var defaultPaths = []string{
	"pusher.yaml",
	"/etc/workadventure/pusher.yaml",
}

// EnvPrefix prefixes every environment override, e.g.
// PUSHER_LISTEN_ADDR, PUSHER_BACK_ADDRS.
const EnvPrefix = "PUSHER_"

type Config struct {
	// ListenAddr is the HTTP/WebSocket bind address.
	ListenAddr string `koanf:"listen_addr"`
	// BackAddrs is the ordered back server list; the position in the
	// list is the back index rooms and spaces hash onto.
	BackAddrs []string `koanf:"back_addrs"`

	AdminAPIURL   string `koanf:"admin_api_url"`
	AdminAPIToken string `koanf:"admin_api_token"`

	// EmbeddedDomainsAllowList short-circuits the embeddable-URL probe.
	EmbeddedDomainsAllowList []string `koanf:"embedded_domains_allow_list"`

	SpacePingTimeout      time.Duration `koanf:"space_ping_timeout"`
	ForwardUnknownKickOff bool          `koanf:"forward_unknown_kickoff"`
	BatchSize             int           `koanf:"batch_size"`
	BatchInterval         time.Duration `koanf:"batch_interval"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:            ":8080",
		SpacePingTimeout:      60 * time.Second,
		ForwardUnknownKickOff: true,
		BatchSize:             100,
		BatchInterval:         100 * time.Millisecond,
		LogLevel:              "info",
		LogFormat:             "json",
	}
}

/*
Load reads the configuration: defaults, then the first config file found
(or the one named by PUSHER_CONFIG), then environment overrides.
*/
func Load() (Config, error) {
	k := koanf.New(".")

	paths := defaultPaths
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		paths = []string{p}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("cannot load config file %q: %w", p, err)
		}
		break
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("cannot load environment overrides: %w", err)
	}

	cfg := defaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("cannot unmarshal config: %w", err)
	}

	if len(cfg.BackAddrs) == 0 {
		return Config{}, fmt.Errorf("no back servers configured (back_addrs)")
	}
	return cfg, nil
}
