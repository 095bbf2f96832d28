package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "GEARQ"

// Config is the settings shared by the api and worker commands
type Config struct {
	DBPath            string
	HTTPAddr          string
	LogLevel          string
	LogFormat         string
	MaxAttempts       int
	OrphanTimeout     time.Duration
	RetryOnFail       bool
	ReapInterval      time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	WorkerTags        []string
	WorkerConcurrency int
	WorkDir           string
	CORSOrigins       []string
	DockerAPIVersion  string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "jobs.db")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("max_attempts", 3)
	v.SetDefault("orphan_timeout", 10*time.Minute)
	v.SetDefault("retry_on_fail", false)
	v.SetDefault("reap_interval", time.Minute)
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("heartbeat_interval", time.Duration(0))
	v.SetDefault("worker_tags", []string{})
	v.SetDefault("worker_concurrency", 1)
	v.SetDefault("work_dir", filepath.Join(os.TempDir(), "gear-queue"))
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("docker_api_version", "")
}

// Load reads configuration from defaults, an optional config file, GEARQ_
// environment variables and command line flags, later sources winning
func Load(name string, args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	configFile := flags.String("config", "", "config file path")
	flags.String("db", v.GetString("db_path"), "path to SQLite database")
	flags.String("addr", v.GetString("http_addr"), "HTTP listen address")
	flags.String("log-level", v.GetString("log_level"), "log level")
	flags.String("tags", "", "comma separated tags a worker claims jobs for")
	flags.Int("concurrency", v.GetInt("worker_concurrency"), "number of jobs a worker runs at once")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Only flags given on the command line override the other sources.
	flagKeys := map[string]string{
		"db":          "db_path",
		"addr":        "http_addr",
		"log-level":   "log_level",
		"tags":        "worker_tags",
		"concurrency": "worker_concurrency",
	}
	flags.Visit(func(f *flag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return
		}
		if key == "worker_tags" {
			v.Set(key, splitList(f.Value.String()))
			return
		}
		v.Set(key, f.Value.String())
	})

	cfg := &Config{
		DBPath:            v.GetString("db_path"),
		HTTPAddr:          v.GetString("http_addr"),
		LogLevel:          v.GetString("log_level"),
		LogFormat:         v.GetString("log_format"),
		MaxAttempts:       v.GetInt("max_attempts"),
		OrphanTimeout:     v.GetDuration("orphan_timeout"),
		RetryOnFail:       v.GetBool("retry_on_fail"),
		ReapInterval:      v.GetDuration("reap_interval"),
		PollInterval:      v.GetDuration("poll_interval"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		WorkerTags:        stringList(v, "worker_tags"),
		WorkerConcurrency: v.GetInt("worker_concurrency"),
		WorkDir:           v.GetString("work_dir"),
		CORSOrigins:       stringList(v, "cors_origins"),
		DockerAPIVersion:  v.GetString("docker_api_version"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.OrphanTimeout <= 0 {
		return fmt.Errorf("orphan_timeout must be positive, got %s", c.OrphanTimeout)
	}
	if c.HeartbeatInterval >= c.OrphanTimeout {
		return fmt.Errorf("heartbeat_interval %s must be shorter than orphan_timeout %s", c.HeartbeatInterval, c.OrphanTimeout)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be at least 1, got %d", c.WorkerConcurrency)
	}
	return nil
}

// stringList reads a list that may come from a file as a sequence or from the
// environment as a comma separated string
func stringList(v *viper.Viper, key string) []string {
	if s, ok := v.Get(key).(string); ok {
		return splitList(s)
	}
	return v.GetStringSlice(key)
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
