// Package config holds the runtime settings of wsrpc clients and servers and
// loads them from TOML files. Values absent from a file keep their defaults.
package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"wsrpc/logging"
)

// Client configures a client.Client.
type Client struct {
	// Endpoint is the websocket URL to connect to. Ignored when Service is set.
	Endpoint string
	// Service is resolved through the registry on every connect attempt.
	Service       string
	EtcdEndpoints []string
	Balancer      string // roundrobin, weighted_random or consistent_hash

	AutoReconnect       bool
	ReconnectInitial    time.Duration // Floor 1s
	ReconnectMultiplier float64
	ReconnectMax        time.Duration

	KeepAlive         bool
	PingInterval      time.Duration // Floor 5s
	CloseOnMissedPong bool

	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	MaxRetries     int
	RetryDelay     time.Duration

	Log logging.Config
}

// Server configures a server.Server.
type Server struct {
	Addr        string
	Path        string // Websocket route
	MetricsPath string // Empty disables the metrics route

	// Discovery: when ServiceName and EtcdEndpoints are set the server
	// advertises AdvertiseURL under ServiceName.
	ServiceName   string
	AdvertiseURL  string
	EtcdEndpoints []string
	RegistryTTL   int64 // Seconds
	Weight        int
	Version       string

	RequestTimeout  time.Duration // Server-to-client calls
	HandlerTimeout  time.Duration // Zero disables the timeout middleware
	RateLimit       float64       // Calls per second per server; zero disables
	RateBurst       int
	Metrics         bool
	Tracing         bool
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	Log logging.Config
}

func DefaultClient() Client {
	return Client{
		Balancer:            "roundrobin",
		AutoReconnect:       true,
		ReconnectInitial:    5 * time.Second,
		ReconnectMultiplier: 2,
		ReconnectMax:        3 * time.Minute,
		KeepAlive:           true,
		PingInterval:        time.Minute,
		RequestTimeout:      30 * time.Second,
		WriteTimeout:        10 * time.Second,
		RetryDelay:          100 * time.Millisecond,
		Log:                 logging.Config{Level: "info", Format: "console"},
	}
}

func DefaultServer() Server {
	return Server{
		Addr:            ":8080",
		Path:            "/ws",
		MetricsPath:     "/metrics",
		RegistryTTL:     10,
		Weight:          1,
		RequestTimeout:  30 * time.Second,
		RateBurst:       1,
		Metrics:         true,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Log:             logging.Config{Level: "info", Format: "console"},
	}
}

// client.toml key mapping. Durations are Go duration strings ("5s", "3m").
type clientFile struct {
	Endpoint            string         `toml:"endpoint"`
	Service             string         `toml:"service"`
	EtcdEndpoints       []string       `toml:"etcd_endpoints"`
	Balancer            string         `toml:"balancer"`
	AutoReconnect       bool           `toml:"auto_reconnect"`
	ReconnectInitial    string         `toml:"reconnect_initial"`
	ReconnectMultiplier float64        `toml:"reconnect_multiplier"`
	ReconnectMax        string         `toml:"reconnect_max"`
	KeepAlive           bool           `toml:"keep_alive"`
	PingInterval        string         `toml:"ping_interval"`
	CloseOnMissedPong   bool           `toml:"close_on_missed_pong"`
	RequestTimeout      string         `toml:"request_timeout"`
	WriteTimeout        string         `toml:"write_timeout"`
	MaxRetries          int            `toml:"max_retries"`
	RetryDelay          string         `toml:"retry_delay"`
	Log                 logging.Config `toml:"log"`
}

// server.toml key mapping.
type serverFile struct {
	Addr            string         `toml:"addr"`
	Path            string         `toml:"path"`
	MetricsPath     string         `toml:"metrics_path"`
	ServiceName     string         `toml:"service_name"`
	AdvertiseURL    string         `toml:"advertise_url"`
	EtcdEndpoints   []string       `toml:"etcd_endpoints"`
	RegistryTTL     int64          `toml:"registry_ttl"`
	Weight          int            `toml:"weight"`
	Version         string         `toml:"version"`
	RequestTimeout  string         `toml:"request_timeout"`
	HandlerTimeout  string         `toml:"handler_timeout"`
	RateLimit       float64        `toml:"rate_limit"`
	RateBurst       int            `toml:"rate_burst"`
	Metrics         bool           `toml:"metrics"`
	Tracing         bool           `toml:"tracing"`
	WriteTimeout    string         `toml:"write_timeout"`
	ShutdownTimeout string         `toml:"shutdown_timeout"`
	Log             logging.Config `toml:"log"`
}

// LoadClient reads a client TOML file over DefaultClient.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Client{}, errors.Wrap(err, "load client config")
	}

	if meta.IsDefined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("service") {
		cfg.Service = strings.TrimSpace(raw.Service)
	}
	if meta.IsDefined("etcd_endpoints") {
		cfg.EtcdEndpoints = raw.EtcdEndpoints
	}
	if meta.IsDefined("balancer") {
		cfg.Balancer = strings.TrimSpace(raw.Balancer)
	}
	if meta.IsDefined("auto_reconnect") {
		cfg.AutoReconnect = raw.AutoReconnect
	}
	if meta.IsDefined("reconnect_multiplier") {
		cfg.ReconnectMultiplier = raw.ReconnectMultiplier
	}
	if meta.IsDefined("keep_alive") {
		cfg.KeepAlive = raw.KeepAlive
	}
	if meta.IsDefined("close_on_missed_pong") {
		cfg.CloseOnMissedPong = raw.CloseOnMissedPong
	}
	if meta.IsDefined("max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}
	loadLog(meta, raw.Log, &cfg.Log)

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"reconnect_initial", raw.ReconnectInitial, &cfg.ReconnectInitial},
		{"reconnect_max", raw.ReconnectMax, &cfg.ReconnectMax},
		{"ping_interval", raw.PingInterval, &cfg.PingInterval},
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"retry_delay", raw.RetryDelay, &cfg.RetryDelay},
	}
	for _, d := range durations {
		if err := loadDuration(meta, d.key, d.value, d.dst); err != nil {
			return Client{}, errors.WithMessage(err, "load client config")
		}
	}

	if cfg.ReconnectMultiplier < 1 {
		return Client{}, errors.Errorf("load client config: reconnect_multiplier %v is below 1", cfg.ReconnectMultiplier)
	}
	return cfg, nil
}

// LoadServer reads a server TOML file over DefaultServer.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()

	var raw serverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Server{}, errors.Wrap(err, "load server config")
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("path") {
		cfg.Path = strings.TrimSpace(raw.Path)
	}
	if meta.IsDefined("metrics_path") {
		cfg.MetricsPath = strings.TrimSpace(raw.MetricsPath)
	}
	if meta.IsDefined("service_name") {
		cfg.ServiceName = strings.TrimSpace(raw.ServiceName)
	}
	if meta.IsDefined("advertise_url") {
		cfg.AdvertiseURL = strings.TrimSpace(raw.AdvertiseURL)
	}
	if meta.IsDefined("etcd_endpoints") {
		cfg.EtcdEndpoints = raw.EtcdEndpoints
	}
	if meta.IsDefined("registry_ttl") {
		cfg.RegistryTTL = raw.RegistryTTL
	}
	if meta.IsDefined("weight") {
		cfg.Weight = raw.Weight
	}
	if meta.IsDefined("version") {
		cfg.Version = strings.TrimSpace(raw.Version)
	}
	if meta.IsDefined("rate_limit") {
		cfg.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}
	if meta.IsDefined("metrics") {
		cfg.Metrics = raw.Metrics
	}
	if meta.IsDefined("tracing") {
		cfg.Tracing = raw.Tracing
	}
	loadLog(meta, raw.Log, &cfg.Log)

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"handler_timeout", raw.HandlerTimeout, &cfg.HandlerTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"shutdown_timeout", raw.ShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if err := loadDuration(meta, d.key, d.value, d.dst); err != nil {
			return Server{}, errors.WithMessage(err, "load server config")
		}
	}

	if cfg.ServiceName != "" && len(cfg.EtcdEndpoints) > 0 && cfg.AdvertiseURL == "" {
		return Server{}, errors.New("load server config: advertise_url is required to register service_name")
	}
	return cfg, nil
}

func loadDuration(meta toml.MetaData, key, value string, dst *time.Duration) error {
	if !meta.IsDefined(key) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return errors.Wrapf(err, "%s", key)
	}
	*dst = d
	return nil
}

func loadLog(meta toml.MetaData, raw logging.Config, dst *logging.Config) {
	if meta.IsDefined("log", "level") {
		dst.Level = strings.TrimSpace(raw.Level)
	}
	if meta.IsDefined("log", "format") {
		dst.Format = strings.TrimSpace(raw.Format)
	}
}
