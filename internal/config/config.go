package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/efebarandurmaz/katbot/internal/report"
)

const (
	DefaultMarker        = "<!--BegynnListe-->"
	DefaultHeader        = "%d pages (updated %s):"
	DefaultSummary       = "Bot: Oppdaterer liste"
	DefaultMaxDepth      = 12
	DefaultChunkSize     = 10000
	DefaultProgressEvery = 100000
)

// Config holds all application configuration.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Neo4j    Neo4jConfig    `mapstructure:"neo4j"`
	Wiki     WikiConfig     `mapstructure:"wiki"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Closure  ClosureConfig  `mapstructure:"closure"`
	Hidden   HiddenConfig   `mapstructure:"hidden"`
	Reports  []ReportConfig `mapstructure:"reports"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Temporal TemporalConfig `mapstructure:"temporal"`
	Log      LogConfig      `mapstructure:"log"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Server   ServerConfig   `mapstructure:"server"`
	DumpDir  string         `mapstructure:"dump_dir"`
}

// StoreConfig selects the category store backend.
type StoreConfig struct {
	// Driver is one of mysql, sqlite, pgx, neo4j or fixture.
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	Password      string `mapstructure:"password"`
	ChunkSize     int    `mapstructure:"chunk_size"`
	ProgressEvery int    `mapstructure:"progress_every"`
}

type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type WikiConfig struct {
	APIURL     string        `mapstructure:"api_url"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	UserAgent  string        `mapstructure:"user_agent"`
	MaxLag     int           `mapstructure:"maxlag"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type CacheConfig struct {
	// Backend is one of file, redis or none.
	Backend       string        `mapstructure:"backend"`
	Dir           string        `mapstructure:"dir"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Prefix        string        `mapstructure:"prefix"`
	TTL           time.Duration `mapstructure:"ttl"`
}

type ClosureConfig struct {
	Root       string   `mapstructure:"root"`
	Exceptions []string `mapstructure:"exceptions"`
	MaxDepth   int      `mapstructure:"max_depth"`
	Policy     string   `mapstructure:"policy"`
	HiddenOnly bool     `mapstructure:"hidden_only"`
}

type HiddenConfig struct {
	Exclude []string `mapstructure:"exclude"`
}

// ReportConfig describes one report page kept up to date by the bot.
type ReportConfig struct {
	Name     string   `mapstructure:"name"`
	Page     string   `mapstructure:"page"`
	Rule     string   `mapstructure:"rule"`
	Patterns []string `mapstructure:"patterns"`
	Marker   string   `mapstructure:"marker"`
	Header   string   `mapstructure:"header"`
	Summary  string   `mapstructure:"summary"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

type TemporalConfig struct {
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
	Cron      string `mapstructure:"cron"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SecretsConfig struct {
	// Provider is env or file.
	Provider string `mapstructure:"provider"`
	Path     string `mapstructure:"path"`
	Prefix   string `mapstructure:"prefix"`
}

// ServerConfig configures the worker's health and metrics listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DefaultReports returns the two standard maintenance reports.
func DefaultReports() []ReportConfig {
	return []ReportConfig{
		{
			Name:     "biographies",
			Page:     "Wikipedia:Kategorifattige biografier",
			Rule:     "biography",
			Patterns: []string{"Personer_fra_", "Fødsler_i_", "Dødsfall_i_"},
		},
		{
			Name: "maintenance",
			Page: "Wikipedia:Artikler med kun vedlikeholdskategorier",
			Rule: "maintenance",
		},
	}
}

// Resolved returns a copy of r with empty optional fields filled in.
func (r ReportConfig) Resolved() ReportConfig {
	if r.Marker == "" {
		r.Marker = DefaultMarker
	}
	if r.Header == "" {
		r.Header = DefaultHeader
	}
	if r.Summary == "" {
		r.Summary = DefaultSummary
	}
	if r.Name == "" {
		r.Name = r.Page
	}
	return r
}

func setDefaults(v *viper.Viper) {
	// Keys without a useful default are registered so AutomaticEnv can
	// override them during Unmarshal.
	for _, key := range []string{
		"store.dsn", "store.password",
		"neo4j.uri", "neo4j.username", "neo4j.password", "neo4j.database",
		"wiki.api_url", "wiki.username", "wiki.password",
		"cache.redis_addr", "cache.redis_password",
		"closure.root", "tracing.endpoint", "metrics.pushgateway_url",
		"temporal.cron", "secrets.path", "audit.path", "dump_dir",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("store.driver", "mysql")
	v.SetDefault("store.chunk_size", DefaultChunkSize)
	v.SetDefault("store.progress_every", DefaultProgressEvery)
	v.SetDefault("wiki.user_agent", "katbot/0.1")
	v.SetDefault("wiki.maxlag", 5)
	v.SetDefault("wiki.max_retries", 3)
	v.SetDefault("wiki.timeout", 60*time.Second)
	v.SetDefault("cache.backend", "file")
	v.SetDefault("cache.dir", ".katbot-cache")
	v.SetDefault("cache.prefix", "katbot:")
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("closure.max_depth", DefaultMaxDepth)
	v.SetDefault("closure.policy", "barrier")
	v.SetDefault("hidden.exclude", []string{"Artikler_som_bør_flettes", "Sider_som_er_foreslått_slettet"})
	v.SetDefault("tracing.service_name", "katbot")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("metrics.job", "katbot")
	v.SetDefault("temporal.host", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "katbot")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.prefix", "KATBOT_")
	v.SetDefault("server.addr", ":8080")
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	if c.Wiki.APIURL != "" && c.Wiki.Username == "" {
		warnings = append(warnings, "wiki api_url is set but username is empty; edits will be anonymous")
	}

	if c.Closure.Root == "" && len(c.Closure.Exceptions) > 0 {
		warnings = append(warnings, "closure exceptions are configured but closure root is empty")
	}

	if c.Store.ChunkSize > 50000 {
		warnings = append(warnings, fmt.Sprintf("store chunk_size %d is larger than most replicas accept", c.Store.ChunkSize))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1.0 {
		warnings = append(warnings, fmt.Sprintf("tracing sample_rate %.2f is outside [0.0, 1.0]", c.Tracing.SampleRate))
	}

	if len(c.Reports) == 0 {
		warnings = append(warnings, "no reports configured; the default reports will be used")
	}

	return warnings
}

// Check returns an error for configuration that cannot run.
func (c *Config) Check() error {
	var problems []string

	switch c.Store.Driver {
	case "mysql", "sqlite", "pgx", "neo4j", "fixture":
	default:
		problems = append(problems, fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}
	if c.Store.Driver != "neo4j" && c.Store.DSN == "" {
		problems = append(problems, "store dsn is empty")
	}
	if c.Store.Driver == "neo4j" && c.Neo4j.URI == "" {
		problems = append(problems, "neo4j uri is empty")
	}

	switch c.Cache.Backend {
	case "file", "redis", "none", "":
	default:
		problems = append(problems, fmt.Sprintf("unknown cache backend %q", c.Cache.Backend))
	}

	switch strings.ToLower(c.Closure.Policy) {
	case "", "barrier", "exclude":
	default:
		problems = append(problems, fmt.Sprintf("unknown closure policy %q", c.Closure.Policy))
	}
	if c.Closure.MaxDepth < 0 {
		problems = append(problems, fmt.Sprintf("closure max_depth %d is negative", c.Closure.MaxDepth))
	}

	seen := make(map[string]bool)
	for i, r := range c.Reports {
		if r.Page == "" {
			problems = append(problems, fmt.Sprintf("report %d has no page", i))
		}
		switch r.Rule {
		case "biography":
			if len(r.Patterns) == 0 {
				problems = append(problems, fmt.Sprintf("report %q uses rule biography without patterns", r.Page))
			}
		case "maintenance":
		default:
			problems = append(problems, fmt.Sprintf("report %q has unknown rule %q", r.Page, r.Rule))
		}
		if err := report.CheckHeader(r.Resolved().Header); err != nil {
			problems = append(problems, fmt.Sprintf("report %q: %v", r.Page, err))
		}
		name := r.Resolved().Name
		if seen[name] {
			problems = append(problems, fmt.Sprintf("duplicate report name %q", name))
		}
		seen[name] = true
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// CheckWorker returns an error for configuration the Temporal worker cannot
// run with. Its activities hand datasets to each other through the cache.
func (c *Config) CheckWorker() error {
	if c.Cache.Backend == "none" {
		return fmt.Errorf("invalid worker config: cache backend none would reload every dataset for each report")
	}
	return nil
}

// Load reads configuration from file and environment. An empty path
// loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("KATBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Validate configuration and print warnings
	if warnings := cfg.Validate(); len(warnings) > 0 {
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
	}

	if len(cfg.Reports) == 0 {
		cfg.Reports = DefaultReports()
	}

	return &cfg, nil
}
