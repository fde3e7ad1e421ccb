// Package config loads the relay's YAML configuration file, the
// external surface spec.md §6 describes, following the teacher's choice
// of gopkg.in/yaml.v3 for structured config.
package config

import (
	"net"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	collset "github.com/golang-collections/collections/set"
	"gopkg.in/yaml.v3"

	"github.com/relaywire/trojan/internal/util"
)

// Defaults mirror spec.md §4.4/§4.2/§6.
const (
	DefaultTCPIdleDuration    = 300 * time.Second
	DefaultUDPIdleDuration    = 60 * time.Second
	DefaultDNSCacheDuration   = 10 * time.Second
	DefaultResolveTimeout     = 5 * time.Second
	DefaultStatsSaveEvery     = 5 * time.Minute
)

// Config is the relay's full external configuration, per spec.md §6 plus
// the ambient additions SPEC_FULL.md §6 layers on top (log level, admin
// surface, stats persistence, accept-rate limiting, resolver sizing).
type Config struct {
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
	LocalAddr string `yaml:"local_addr"`
	BackAddr string `yaml:"back_addr"`
	Secret   string `yaml:"password"`
	ALPN     []string `yaml:"alpn"`
	Mark     int    `yaml:"marker"`

	TCPIdleDuration  time.Duration `yaml:"tcp_idle_duration"`
	UDPIdleDuration  time.Duration `yaml:"udp_idle_duration"`
	DNSCacheDuration time.Duration `yaml:"dns_cache_duration"`
	ResolveTimeout   time.Duration `yaml:"resolve_timeout"`
	MaxResolverWorkers int         `yaml:"max_resolver_workers"`

	LogLevel      string        `yaml:"log_level"`
	AdminAddr     string        `yaml:"admin_addr"`
	StatsFile     string        `yaml:"stats_file"`
	StatsInterval time.Duration `yaml:"stats_interval"`
	AcceptRate    float64       `yaml:"accept_rate"`
}

// Load reads and parses the YAML config file at path, then fills in
// spec.md-mandated defaults for anything left zero.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config file: %w")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Annotate(err, "parsing config file: %w")
	}

	cfg.applyDefaults()
	return &cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if c.TCPIdleDuration <= 0 {
		c.TCPIdleDuration = DefaultTCPIdleDuration
	}
	if c.UDPIdleDuration <= 0 {
		c.UDPIdleDuration = DefaultUDPIdleDuration
	}
	if c.DNSCacheDuration <= 0 {
		c.DNSCacheDuration = DefaultDNSCacheDuration
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = DefaultResolveTimeout
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsSaveEvery
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.ALPN = dedupeALPN(c.ALPN)
}

// dedupeALPN drops repeated protocol names from a config file written by
// hand, preserving the order the operator listed them in -- tls.Config
// rejects duplicate NextProtos entries in some Go versions' handshake
// negotiation, so this is resolved at load time rather than at dial time.
func dedupeALPN(alpn []string) []string {
	if len(alpn) == 0 {
		return alpn
	}
	seen := collset.New()
	out := make([]string, 0, len(alpn))
	for _, proto := range alpn {
		if seen.Has(proto) {
			continue
		}
		seen.Insert(proto)
		out = append(out, proto)
	}
	return out
}

// Validate checks the *ConfigInvalid* class of startup errors spec.md §7
// calls fatal: missing certificate material, an unparseable listener
// address, or an empty secret.
func (c *Config) Validate() error {
	if c.LocalAddr == "" {
		return errors.Error("config: local_addr is required")
	}
	if _, _, err := net.SplitHostPort(c.LocalAddr); err != nil {
		return errors.Annotate(err, "config: parsing local_addr: %w")
	}
	if c.Secret == "" {
		return errors.Error("config: password is required")
	}

	if ok, err := util.FileExists(c.Cert); err != nil {
		return errors.Annotate(err, "config: checking cert: %w")
	} else if !ok {
		return errors.Error("config: cert file does not exist: " + c.Cert)
	}
	if ok, err := util.FileExists(c.Key); err != nil {
		return errors.Annotate(err, "config: checking key: %w")
	} else if !ok {
		return errors.Error("config: key file does not exist: " + c.Key)
	}
	return nil
}
