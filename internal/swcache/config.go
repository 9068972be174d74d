package swcache

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Cache struct {
		Version             string   `yaml:"version" env:"SWCACHE_VERSION"`
		Scope               string   `yaml:"scope" env:"SWCACHE_SCOPE"`
		Precache            []string `yaml:"precache" env:"SWCACHE_PRECACHE" envSeparator:","`
		Exclude             []string `yaml:"exclude" env:"SWCACHE_EXCLUDE" envSeparator:","`
		OfflineFallback     string   `yaml:"offlineFallback" env:"SWCACHE_OFFLINE_FALLBACK"`
		SkipWaiting         bool     `yaml:"skipWaiting" env:"SWCACHE_SKIP_WAITING"`
		PrecacheConcurrency int      `yaml:"precacheConcurrency"`
		Sitemaps            []string `yaml:"sitemaps"`
	} `yaml:"cache"`

	Server struct {
		Port         int    `yaml:"port" env:"SWCACHE_PORT"`
		Origin       string `yaml:"origin" env:"SWCACHE_ORIGIN"`
		FetchTimeout string `yaml:"fetchTimeout"`
	} `yaml:"server"`

	Storage struct {
		Driver string `yaml:"driver" env:"SWCACHE_STORAGE"`
		RAM    struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		LevelDB struct {
			Path string `yaml:"path" env:"SWCACHE_LEVELDB_PATH"`
		} `yaml:"leveldb"`
		Redis struct {
			URL    string `yaml:"url" env:"SWCACHE_REDIS_URL"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`
		LogResolve    bool   `yaml:"logResolve" env:"SWCACHE_LOG_RESOLVE"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled bool `yaml:"enabled" env:"SWCACHE_METRICS"`
	} `yaml:"metrics"`

	// compiled
	scope            *url.URL
	exclude          []Matcher
	ramMax           int64
	fetchTimeout     time.Duration
	logStatsEveryDur time.Duration
}

const (
	DriverMemory  = "memory"
	DriverLevelDB = "leveldb"
	DriverRedis   = "redis"
)

// LoadConfig reads the YAML file at path, applies SWCACHE_* environment
// overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config")
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse env")
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Cache.Version = strings.TrimSpace(cfg.Cache.Version)
	if cfg.Cache.Version == "" {
		return errors.New("cache.version is required")
	}
	cfg.Server.Origin = strings.TrimRight(strings.TrimSpace(cfg.Server.Origin), "/")
	if cfg.Cache.Scope == "" {
		if cfg.Server.Origin == "" {
			return errors.New("cache.scope or server.origin is required")
		}
		cfg.Cache.Scope = cfg.Server.Origin + "/"
	}
	scope, err := url.Parse(cfg.Cache.Scope)
	if err != nil {
		return errors.Wrap(err, "cache.scope")
	}
	if scope.Scheme != "http" && scope.Scheme != "https" {
		return errors.Newf("cache.scope: %q is not an http(s) URL", cfg.Cache.Scope)
	}
	if scope.Path == "" {
		scope.Path = "/"
	}
	cfg.scope = scope
	if cfg.Server.Origin == "" {
		cfg.Server.Origin = scope.Scheme + "://" + scope.Host
	}

	cfg.exclude = cfg.exclude[:0]
	for i, expr := range cfg.Cache.Exclude {
		m, err := ParseMatcher(expr)
		if err != nil {
			return errors.Wrapf(err, "cache.exclude[%d]", i)
		}
		cfg.exclude = append(cfg.exclude, m)
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	switch cfg.Storage.Driver {
	case DriverMemory:
	case DriverLevelDB:
		if cfg.Storage.LevelDB.Path == "" {
			cfg.Storage.LevelDB.Path = "./data/leveldb"
		}
	case DriverRedis:
		if cfg.Storage.Redis.URL == "" {
			return errors.New("storage.redis.url is required for the redis driver")
		}
	default:
		return errors.Newf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if cfg.ramMax, err = parseByteSize(cfg.Storage.RAM.Max); err != nil {
		return errors.Wrap(err, "storage.ram.max")
	}

	if cfg.fetchTimeout, err = parseDuration(cfg.Server.FetchTimeout, 30*time.Second); err != nil {
		return errors.Wrap(err, "server.fetchTimeout")
	}
	if cfg.logStatsEveryDur, err = parseDuration(cfg.Logging.LogStatsEvery, 0); err != nil {
		return errors.Wrap(err, "logging.logStatsEvery")
	}
	return nil
}

// parseDuration accepts anything str2duration does, including days and weeks.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.Newf("negative duration %q", s)
	}
	return d, nil
}

// ScopeURL is the compiled cache scope.
func (cfg Config) ScopeURL() *url.URL { return cfg.scope }

// ManagerOptions derives the options of a Manager from the configuration.
func (cfg Config) ManagerOptions(store Store, fetcher Fetcher, metrics *Metrics) ManagerOptions {
	opts := ManagerOptions{
		Version:             cfg.Cache.Version,
		Scope:               cfg.scope,
		Precache:            cfg.Cache.Precache,
		Exclude:             cfg.exclude,
		OfflineFallback:     cfg.Cache.OfflineFallback,
		Store:               store,
		Fetcher:             fetcher,
		PrecacheConcurrency: cfg.Cache.PrecacheConcurrency,
		Metrics:             metrics,
		LogResolve:          cfg.Logging.LogResolve,
	}
	if len(cfg.Cache.Sitemaps) > 0 {
		opts.Discoverer = &SitemapDiscoverer{
			Fetcher:  fetcher,
			Scope:    cfg.scope,
			Sitemaps: cfg.Cache.Sitemaps,
			Exclude:  cfg.exclude,
		}
	}
	return opts
}
