package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ryandielhenn/couchpeer/pkg/couch"
	"github.com/ryandielhenn/couchpeer/pkg/discovery"
	"github.com/ryandielhenn/couchpeer/pkg/monitor"
	"github.com/ryandielhenn/couchpeer/pkg/reconcile"
)

const (
	SourceDNS  = "dns"
	SourceEtcd = "etcd"
)

type Config struct {
	// ServiceRecord overrides the SRV name derived from this host's FQDN.
	ServiceRecord string `mapstructure:"srv_record"`
	// ClusterSize is the expected number of peers; 0 means unknown.
	ClusterSize int    `mapstructure:"cluster_size"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`

	AdminURL   string `mapstructure:"admin_url"`
	APIURL     string `mapstructure:"api_url"`
	NodePrefix string `mapstructure:"node_prefix"`

	Source            string   `mapstructure:"source"`
	Nameservers       []string `mapstructure:"nameservers"`
	EtcdEndpoints     []string `mapstructure:"etcd_endpoints"`
	EtcdPrefix        string   `mapstructure:"etcd_prefix"`
	EtcdRegister      bool     `mapstructure:"etcd_register"`
	EtcdLeaseTTL      int64    `mapstructure:"etcd_lease_ttl"`
	DiscoveryAttempts int      `mapstructure:"discovery_attempts"`

	JoinAttempts  int           `mapstructure:"join_attempts"`
	NotReadyDelay time.Duration `mapstructure:"not_ready_delay"`

	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	StatusAddr      string        `mapstructure:"status_addr"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func DefaultConfig() *Config {
	return &Config{
		AdminURL:          couch.DefaultAdminURL,
		APIURL:            couch.DefaultAPIURL,
		NodePrefix:        couch.DefaultNodePrefix,
		Source:            SourceDNS,
		EtcdPrefix:        discovery.DefaultEtcdPrefix,
		EtcdLeaseTTL:      10,
		DiscoveryAttempts: discovery.DefaultAttempts,
		JoinAttempts:      reconcile.DefaultTransportAttempts,
		NotReadyDelay:     reconcile.DefaultNotReadyDelay,
		MonitorInterval:   monitor.DefaultInterval,
		StatusAddr:        ":8080",
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// legacyEnv keeps the variable names the CouchDB images already set.
var legacyEnv = map[string]string{
	"srv_record":   "SRV_RECORD",
	"cluster_size": "COUCHDB_CLUSTER_SIZE",
	"username":     "COUCHDB_USER",
	"password":     "COUCHDB_PASSWORD",
}

// RegisterFlags adds one flag per setting, named with dashes.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("config", "", "optional config file (yaml, json, toml)")
	fs.String("srv-record", d.ServiceRecord, "SRV record to resolve peers from (default derived from FQDN)")
	fs.Int("cluster-size", d.ClusterSize, "expected number of peers, 0 to accept any")
	fs.String("username", d.Username, "CouchDB admin username")
	fs.String("password", d.Password, "CouchDB admin password")
	fs.String("admin-url", d.AdminURL, "node-local admin interface")
	fs.String("api-url", d.APIURL, "clustered API interface")
	fs.String("node-prefix", d.NodePrefix, "Erlang node name prefix")
	fs.String("source", d.Source, "peer source: dns or etcd")
	fs.StringSlice("nameservers", d.Nameservers, "DNS servers host:port (default from /etc/resolv.conf)")
	fs.StringSlice("etcd-endpoints", d.EtcdEndpoints, "etcd endpoints for the etcd source")
	fs.String("etcd-prefix", d.EtcdPrefix, "etcd key prefix peers register under")
	fs.Bool("etcd-register", d.EtcdRegister, "register this host in etcd before discovering")
	fs.Int64("etcd-lease-ttl", d.EtcdLeaseTTL, "etcd registration lease in seconds")
	fs.Int("discovery-attempts", d.DiscoveryAttempts, "attempts per discovery failure class")
	fs.Int("join-attempts", d.JoinAttempts, "attempts per peer while the admin endpoint is unreachable")
	fs.Duration("not-ready-delay", d.NotReadyDelay, "wait between joins while _nodes does not exist")
	fs.Duration("monitor-interval", d.MonitorInterval, "membership check interval")
	fs.String("status-addr", d.StatusAddr, "listen address for /healthz, /info and /metrics, empty to disable")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.String("log-format", d.LogFormat, "json or console")
}

// Load merges defaults, an optional config file, the environment and flags,
// in increasing precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	cfg := DefaultConfig()

	v.SetDefault("admin_url", cfg.AdminURL)
	v.SetDefault("api_url", cfg.APIURL)
	v.SetDefault("node_prefix", cfg.NodePrefix)
	v.SetDefault("source", cfg.Source)
	v.SetDefault("etcd_prefix", cfg.EtcdPrefix)
	v.SetDefault("etcd_lease_ttl", cfg.EtcdLeaseTTL)
	v.SetDefault("discovery_attempts", cfg.DiscoveryAttempts)
	v.SetDefault("join_attempts", cfg.JoinAttempts)
	v.SetDefault("not_ready_delay", cfg.NotReadyDelay)
	v.SetDefault("monitor_interval", cfg.MonitorInterval)
	v.SetDefault("status_addr", cfg.StatusAddr)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)

	v.SetEnvPrefix("COUCHPEER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "COUCHPEER_"+strings.ToUpper(key), env); err != nil {
			return nil, err
		}
	}

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" {
				return
			}
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	for i, ep := range cfg.EtcdEndpoints {
		cfg.EtcdEndpoints[i] = normalizeEndpoint(ep, "2379")
	}
	for i, ns := range cfg.Nameservers {
		if _, _, err := net.SplitHostPort(ns); err != nil {
			cfg.Nameservers[i] = net.JoinHostPort(ns, "53")
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ClusterSize < 0 {
		return fmt.Errorf("cluster size must not be negative: %d", c.ClusterSize)
	}
	for name, raw := range map[string]string{"admin url": c.AdminURL, "api url": c.APIURL} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid %s: %q", name, raw)
		}
	}
	if c.NodePrefix == "" {
		return fmt.Errorf("node prefix must not be empty")
	}

	switch c.Source {
	case SourceDNS:
	case SourceEtcd:
		if len(c.EtcdEndpoints) == 0 {
			return fmt.Errorf("etcd source needs at least one endpoint")
		}
		if c.EtcdRegister && c.EtcdLeaseTTL <= 0 {
			return fmt.Errorf("etcd lease ttl must be positive")
		}
	default:
		return fmt.Errorf("invalid source: %s", c.Source)
	}

	if c.DiscoveryAttempts <= 0 {
		return fmt.Errorf("discovery attempts must be greater than 0")
	}
	if c.JoinAttempts <= 0 {
		return fmt.Errorf("join attempts must be greater than 0")
	}
	if c.NotReadyDelay <= 0 {
		return fmt.Errorf("not ready delay must be positive")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}
	return nil
}

// Credentials returns the admin credentials, set only if both parts are.
func (c *Config) Credentials() couch.Credentials {
	return couch.CredentialsFrom(c.Username, c.Password)
}

// normalizeEndpoint keeps an explicit scheme, defaults to http and adds
// defPort when the address has none.
func normalizeEndpoint(addr, defPort string) string {
	scheme := "http://"
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		scheme = "https://"
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return scheme + addr
	}
	return scheme + net.JoinHostPort(addr, defPort)
}
