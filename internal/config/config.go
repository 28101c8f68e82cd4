package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the static service configuration loaded at startup.
// Per-tenant and per-stream parameters live in the database and are
// merged by the cache layer; nothing dynamic belongs here.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Storage     StorageConfig     `yaml:"storage"`
	Caches      CachesConfig      `yaml:"caches"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Auth        AuthConfig        `yaml:"auth"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// StorageConfig fixes the filesystem layout for screenshots, copied
// events and failed-plate frames, plus the public URL prefixes that
// end up in callback payloads.
type StorageConfig struct {
	ScreenshotsPath      string `yaml:"screenshots_path"`
	ScreenshotsURLPrefix string `yaml:"screenshots_url_prefix"`
	EventsPath           string `yaml:"events_path"`
	FailedPath           string `yaml:"failed_path"`
	DNNStatsFile         string `yaml:"dnn_stats_file"`
}

type CachesConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
}

type MaintenanceConfig struct {
	ClearOldLogsInterval  Duration `yaml:"clear_old_logs_interval"`
	LogFacesTTL           Duration `yaml:"log_faces_ttl"`
	FlagDeletedInterval   Duration `yaml:"flag_deleted_interval"`
	FlagDeletedTTL        Duration `yaml:"flag_deleted_ttl"`
	CopyEventsInterval    Duration `yaml:"copy_events_interval"`
	ClearOldEventsInterval Duration `yaml:"clear_old_events_interval"`
	EventsTTL             Duration `yaml:"events_ttl"`
	BanInterval           Duration `yaml:"ban_interval"`
	EventsLogInterval     Duration `yaml:"events_log_interval"`
	EventsLogTTL          Duration `yaml:"events_log_ttl"`
	FailedTTL             Duration `yaml:"failed_ttl"`
}

type AuthConfig struct {
	// AllowGroupIDWithoutAuth, when > 0, is the tenant id granted to
	// requests that carry no Authorization header.
	AllowGroupIDWithoutAuth int `yaml:"allow_group_id_without_auth"`
}

// Duration parses yaml scalars like "5s", "2h" or plain millisecond counts.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err == nil {
		parsed, perr := time.ParseDuration(raw)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var ms int64
	if err := unmarshal(&ms); err != nil {
		return err
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := defaultConfig()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	return cfg, nil
}

// LoadOrDefault returns defaults (plus env overrides) when the file is absent.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if os.IsNotExist(err) {
		cfg = defaultConfig()
		cfg.applyEnv()
		return cfg, nil
	}
	return cfg, err
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "9051",
			Env:  "production",
		},
		Database: DatabaseConfig{
			MaxOpenConns: 16,
			MaxIdleConns: 4,
		},
		Storage: StorageConfig{
			ScreenshotsPath:      "/opt/recognition/static/screenshots/",
			ScreenshotsURLPrefix: "http://localhost:9051/screenshots/",
			EventsPath:           "/opt/recognition/static/events/",
			FailedPath:           "/opt/recognition/static/failed/",
			DNNStatsFile:         "dnn_stats_data.json",
		},
		Caches: CachesConfig{
			PollInterval: Duration(10 * time.Second),
		},
		Maintenance: MaintenanceConfig{
			ClearOldLogsInterval:   Duration(12 * time.Hour),
			LogFacesTTL:            Duration(4 * time.Hour),
			FlagDeletedInterval:    Duration(6 * time.Hour),
			FlagDeletedTTL:         Duration(12 * time.Hour),
			CopyEventsInterval:     Duration(30 * time.Second),
			ClearOldEventsInterval: Duration(24 * time.Hour),
			EventsTTL:              Duration(30 * 24 * time.Hour),
			BanInterval:            Duration(5 * time.Second),
			EventsLogInterval:      Duration(2 * time.Hour),
			EventsLogTTL:           Duration(4 * time.Hour),
			FailedTTL:              Duration(60 * 24 * time.Hour),
		},
		Auth: AuthConfig{
			AllowGroupIDWithoutAuth: 1,
		},
	}
}

// applyEnv lets deployment environments override the file without editing it.
func (c *Config) applyEnv() {
	if v := os.Getenv("RECOGNITION_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("RECOGNITION_SCREENSHOTS_PATH"); v != "" {
		c.Storage.ScreenshotsPath = v
	}
	if v := os.Getenv("RECOGNITION_SCREENSHOTS_URL_PREFIX"); v != "" {
		c.Storage.ScreenshotsURLPrefix = v
	}
	if v := os.Getenv("RECOGNITION_EVENTS_PATH"); v != "" {
		c.Storage.EventsPath = v
	}
	if v := os.Getenv("RECOGNITION_FAILED_PATH"); v != "" {
		c.Storage.FailedPath = v
	}
	if v := os.Getenv("RECOGNITION_ALLOW_GROUP_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.Auth.AllowGroupIDWithoutAuth = id
		}
	}

	// Paths are joined with relative suffixes everywhere, so a trailing
	// separator is required.
	c.Storage.ScreenshotsPath = ensureSlash(c.Storage.ScreenshotsPath)
	c.Storage.ScreenshotsURLPrefix = ensureSlash(c.Storage.ScreenshotsURLPrefix)
	c.Storage.EventsPath = ensureSlash(c.Storage.EventsPath)
	c.Storage.FailedPath = ensureSlash(c.Storage.FailedPath)
}

func ensureSlash(p string) string {
	if p == "" {
		return p
	}
	if p[len(p)-1] != '/' {
		return p + "/"
	}
	return p
}
