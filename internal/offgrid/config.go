package offgrid

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Cache struct {
		Prefix  string `yaml:"prefix"`
		Version string `yaml:"version"`
		Dir     string `yaml:"dir"`
		Max     string `yaml:"max"`

		// compiled
		maxBytes int64
	} `yaml:"cache"`

	Routes struct {
		APIPrefix       string   `yaml:"apiPrefix"`
		OfflineFallback string   `yaml:"offlineFallback"`
		OfflineMessage  string   `yaml:"offlineMessage"`
		BootAssets      []string `yaml:"bootAssets"`
	} `yaml:"routes"`

	Network struct {
		Timeout string `yaml:"timeout"`

		// compiled
		timeoutDur time.Duration
	} `yaml:"network"`

	Sync struct {
		TasksEndpoint string `yaml:"tasksEndpoint"`
		RetryEvery    string `yaml:"retryEvery"`

		// compiled
		retryDur time.Duration
	} `yaml:"sync"`

	Push struct {
		DefaultTitle string `yaml:"defaultTitle"`
		DefaultBody  string `yaml:"defaultBody"`
		DefaultIcon  string `yaml:"defaultIcon"`
		DefaultBadge string `yaml:"defaultBadge"`
	} `yaml:"push"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		// compiled
		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	// compiled
	originURL *url.URL
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// finalize applies defaults, validates, and compiles derived fields.
func (c *Config) finalize() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	u, err := url.Parse(c.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.origin: scheme must be http or https, got %q", u.Scheme)
	}
	c.originURL = u

	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "riseup-pwa"
	}
	if c.Cache.Version == "" {
		c.Cache.Version = "v1"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "./data/leveldb"
	}
	if c.Cache.Max != "" {
		n, err := parseBytes(c.Cache.Max)
		if err != nil {
			return fmt.Errorf("cache.max: %w", err)
		}
		c.Cache.maxBytes = n
	}

	if c.Routes.APIPrefix == "" {
		c.Routes.APIPrefix = "/api/"
	}
	if !strings.HasPrefix(c.Routes.APIPrefix, "/") {
		return fmt.Errorf("routes.apiPrefix must start with /")
	}
	if c.Routes.OfflineFallback == "" {
		c.Routes.OfflineFallback = "/offline.html"
	}
	if c.Routes.OfflineMessage == "" {
		c.Routes.OfflineMessage = "You are offline. Changes will be synced when your connection is restored."
	}
	if c.Routes.BootAssets == nil {
		c.Routes.BootAssets = []string{
			c.Routes.OfflineFallback,
			"/manifest.json",
			"/icons/icon-192.png",
		}
	}
	for i, a := range c.Routes.BootAssets {
		if !strings.HasPrefix(a, "/") {
			return fmt.Errorf("routes.bootAssets[%d]: must be an absolute path, got %q", i, a)
		}
	}

	if c.Network.Timeout == "" {
		c.Network.Timeout = "5s"
	}
	d, err := time.ParseDuration(c.Network.Timeout)
	if err != nil {
		return fmt.Errorf("network.timeout: %w", err)
	}
	c.Network.timeoutDur = d

	if c.Sync.TasksEndpoint == "" {
		c.Sync.TasksEndpoint = "/api/tasks/sync"
	}
	if c.Sync.RetryEvery == "" {
		c.Sync.RetryEvery = "1m"
	}
	rd, err := time.ParseDuration(c.Sync.RetryEvery)
	if err != nil {
		return fmt.Errorf("sync.retryEvery: %w", err)
	}
	c.Sync.retryDur = rd

	if c.Push.DefaultTitle == "" {
		c.Push.DefaultTitle = "App"
	}
	if c.Push.DefaultBody == "" {
		c.Push.DefaultBody = "New notification"
	}
	if c.Push.DefaultIcon == "" {
		c.Push.DefaultIcon = "/icons/icon-192.png"
	}
	if c.Push.DefaultBadge == "" {
		c.Push.DefaultBadge = "/icons/badge-72.png"
	}

	if c.Logging.LogStatsEvery != "" {
		sd, err := time.ParseDuration(c.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		c.Logging.logStatsEveryDur = sd
	}

	return nil
}

// GenerationName is the cache generation this version installs into,
// e.g. "riseup-pwa-v3".
func (c *Config) GenerationName() string {
	return c.Cache.Prefix + "-" + c.Cache.Version
}

func (c *Config) originHost() string {
	return c.originURL.Host
}
