package config

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the application's configuration model.
// It captures the instance list, crawl strategy knobs, storage paths,
// and scheduling.
type Config struct {
	Instances InstancesConfig `yaml:"instances"`
	Crawl     CrawlConfig     `yaml:"crawl"`
	Storage   StorageConfig   `yaml:"storage"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type InstancesConfig struct {
	// Hosts to crawl, e.g. ["mastodon.social", "fosstodon.org"]
	Hosts []string `yaml:"hosts"`
	// Per-minute request caps overriding the default for specific hosts
	RateOverrides map[string]int `yaml:"rateOverrides"`
	// Default per-minute request cap per instance
	RequestsPerMinute int `yaml:"requestsPerMinute"`
}

type CrawlConfig struct {
	// Max posts per instance per timeline pass (split across federated/local)
	MaxPostsPerInstance int `yaml:"maxPostsPerInstance"`
	// Hashtags polled by the hashtag strategy
	Hashtags []string `yaml:"hashtags"`
	// Max posts fetched per hashtag
	MaxPostsPerHashtag int `yaml:"maxPostsPerHashtag"`
	// Distinct authors sampled by the creator strategy
	CreatorSampleSize int `yaml:"creatorSampleSize"`
	// Recent original posts fetched per sampled creator
	PostsPerCreator int `yaml:"postsPerCreator"`
	// Accepted detected languages; posts outside are skipped
	Languages []string `yaml:"languages"`
	// Profile markers that opt an author out of crawling
	OptOutTags []string `yaml:"optOutTags"`
	// Skip authors whose profile cannot be fetched (default fail-open)
	OptOutFailClosed bool `yaml:"optOutFailClosed"`
	// Per-request HTTP timeout in seconds
	RequestTimeoutSecs int `yaml:"requestTimeoutSecs"`
	// Pause between instances in the aggregate pass, seconds
	InstancePauseSecs int `yaml:"instancePauseSecs"`
	// Instances taken per multi-source pass after health ranking
	TopInstances int `yaml:"topInstances"`
}

type StorageConfig struct {
	// SQLite path for the post store
	DBPath string `yaml:"dbPath"`
	// Badger directory for shared health/opt-out state
	KVPath string `yaml:"kvPath"`
}

type ScheduleConfig struct {
	// Cron expressions for serve mode
	Aggregate   string `yaml:"aggregate"`
	MultiSource string `yaml:"multiSource"`
	Lifecycle   string `yaml:"lifecycle"`
}

type MetricsConfig struct {
	// Listen address for /metrics, e.g. ":9090"; empty disables the server
	Addr string `yaml:"addr"`
}

// Default returns a sensible default configuration.
func Default() Config {
	return Config{
		Instances: InstancesConfig{
			Hosts:             []string{"mastodon.social", "fosstodon.org", "hachyderm.io"},
			RateOverrides:     map[string]int{"mastodon.social": 20, "mastodon.online": 20},
			RequestsPerMinute: 30,
		},
		Crawl: CrawlConfig{
			MaxPostsPerInstance: 40,
			Hashtags: []string{
				"technology", "opensource", "programming", "linux", "golang",
				"science", "art", "photography", "music", "fediverse",
			},
			MaxPostsPerHashtag: 20,
			CreatorSampleSize:  10,
			PostsPerCreator:    5,
			Languages:          []string{"en", "es", "de", "fr", "it", "pt", "ja"},
			OptOutTags:         []string{"nobot", "noindex", "nosearch", "noai"},
			OptOutFailClosed:   false,
			RequestTimeoutSecs: 8,
			InstancePauseSecs:  2,
			TopInstances:       5,
		},
		Storage: StorageConfig{
			DBPath: "./fedipulse.db",
			KVPath: "./fedipulse-kv",
		},
		Schedule: ScheduleConfig{
			Aggregate:   "*/30 * * * *",
			MultiSource: "15 */2 * * *",
			Lifecycle:   "5 * * * *",
		},
		Metrics: MetricsConfig{Addr: ""},
	}
}

// ResolveEnv fills in config fields from environment variables if not set.
func (c *Config) ResolveEnv() {
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = os.Getenv("FEDIPULSE_DB_PATH")
	}
	if c.Storage.KVPath == "" {
		c.Storage.KVPath = os.Getenv("FEDIPULSE_KV_PATH")
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = os.Getenv("METRICS_ADDR")
	}
}

// RateCap returns the per-minute request ceiling for a host.
func (c Config) RateCap(host string) int {
	if v, ok := c.Instances.RateOverrides[host]; ok && v > 0 {
		return v
	}
	if c.Instances.RequestsPerMinute > 0 {
		return c.Instances.RequestsPerMinute
	}
	return 30
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	cfg.ResolveEnv()
	return cfg, nil
}

// Save writes YAML config to path, creating directories as needed.
func Save(path string, cfg Config) error {
	if path == "" {
		return errors.New("empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
