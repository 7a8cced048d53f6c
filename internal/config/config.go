// Package config loads layered configuration for the hub and agent daemons:
// built-in defaults, then an optional YAML file, then BASTION_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/Syt100/bastion-sub005/internal/logging"
)

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "BASTION_CONFIG"

var defaultConfigPaths = []string{
	"bastion.yaml",
	"bastion.yml",
	"/etc/bastion/bastion.yaml",
}

// Hub is the hub daemon configuration.
type Hub struct {
	HTTPAddr string `koanf:"http_addr"`
	// AgentToken authenticates agent websocket sessions. Empty disables
	// agent connections entirely.
	AgentToken string `koanf:"agent_token"`

	Postgres Postgres  `koanf:"postgres"`
	Redis    Redis     `koanf:"redis"`
	Log      logging.Config `koanf:"log"`

	Scheduler Scheduler `koanf:"scheduler"`
	Session   Session   `koanf:"session"`
	Queue     Queue     `koanf:"queue"`
}

// Agent is the agent daemon configuration.
type Agent struct {
	// AgentID identifies this agent to the hub. Required.
	AgentID string `koanf:"agent_id"`
	// HubURL is the websocket endpoint of the hub, e.g. ws://hub:8080.
	HubURL string `koanf:"hub_url"`
	// Token authenticates the session.
	Token string `koanf:"token"`
	// DataDir holds the agent's badger database.
	DataDir string `koanf:"data_dir"`
	// ReconnectMin/Max bound the dial backoff.
	ReconnectMin time.Duration `koanf:"reconnect_min"`
	ReconnectMax time.Duration `koanf:"reconnect_max"`

	Log logging.Config `koanf:"log"`
}

type Postgres struct {
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Database string `koanf:"database"`
	SSLMode  string `koanf:"sslmode"`
}

// DSN renders a pgx connection string.
func (p Postgres) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

type Redis struct {
	// Addr empty disables redis: single-hub mode, no leader election.
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`

	LeaderKey    string `koanf:"leader_key"`
	LeaderTTLSec int    `koanf:"leader_ttl_sec"`
}

type Scheduler struct {
	// PollInterval bounds worst-case firing delay when no explicit wake
	// arrives.
	PollInterval time.Duration `koanf:"poll_interval"`
	// ScanLimit caps due jobs claimed per wake.
	ScanLimit int `koanf:"scan_limit"`
}

type Session struct {
	// PongTimeout declares an agent disconnected when no pong arrives
	// within it. Operational tuning, not hard-coded.
	PongTimeout time.Duration `koanf:"pong_timeout"`
	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration `koanf:"write_timeout"`
	// RelayWindow is the credit window in bytes for artifact relays: the
	// most unacknowledged data an agent may have in flight per stream.
	RelayWindow int `koanf:"relay_window"`
}

type Queue struct {
	Workers     int           `koanf:"workers"`
	ClaimBlock  time.Duration `koanf:"claim_block"`
	MaxAttempts int           `koanf:"max_attempts"`
}

func defaultHub() *Hub {
	return &Hub{
		HTTPAddr: ":8080",
		Postgres: Postgres{
			Host:     "localhost",
			Port:     "5432",
			User:     "bastion",
			Password: "bastion",
			Database: "bastion",
			SSLMode:  "disable",
		},
		Redis: Redis{
			Addr:         "",
			LeaderKey:    "bastion:scheduler:leader",
			LeaderTTLSec: 10,
		},
		Log: logging.Config{Level: "info", Format: "json"},
		Scheduler: Scheduler{
			PollInterval: 30 * time.Second,
			ScanLimit:    200,
		},
		Session: Session{
			PongTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			RelayWindow:  1 << 20,
		},
		Queue: Queue{
			Workers:     4,
			ClaimBlock:  2 * time.Second,
			MaxAttempts: 8,
		},
	}
}

func defaultAgent() *Agent {
	return &Agent{
		AgentID:      "",
		HubURL:       "ws://localhost:8080",
		DataDir:      "/var/lib/bastion-agent",
		ReconnectMin: time.Second,
		ReconnectMax: time.Minute,
		Log:          logging.Config{Level: "info", Format: "json"},
	}
}

// LoadHub loads the hub configuration.
func LoadHub() (*Hub, error) {
	cfg := defaultHub()
	if err := load("hub", cfg); err != nil {
		return nil, err
	}
	if cfg.Scheduler.PollInterval <= 0 {
		return nil, fmt.Errorf("scheduler.poll_interval must be positive")
	}
	if cfg.Session.PongTimeout <= 0 {
		return nil, fmt.Errorf("session.pong_timeout must be positive")
	}
	if cfg.Queue.Workers <= 0 {
		return nil, fmt.Errorf("queue.workers must be positive")
	}
	return cfg, nil
}

// LoadAgent loads the agent configuration.
func LoadAgent() (*Agent, error) {
	cfg := defaultAgent()
	if err := load("agent", cfg); err != nil {
		return nil, err
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}
	if cfg.HubURL == "" {
		return nil, fmt.Errorf("hub_url is required")
	}
	return cfg, nil
}

// load layers defaults, an optional yaml file section and BASTION_<SECTION>_*
// env vars onto cfg. Double underscore nests:
// BASTION_HUB_POSTGRES__HOST -> postgres.host,
// BASTION_HUB_SCHEDULER__POLL_INTERVAL -> scheduler.poll_interval.
func load(section string, cfg any) error {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		sub := koanf.New(".")
		if err := sub.Load(file.Provider(path), yaml.Parser()); err != nil {
			return fmt.Errorf("load config file %s: %w", path, err)
		}
		if err := k.Merge(sub.Cut(section)); err != nil {
			return fmt.Errorf("merge config file: %w", err)
		}
	}

	prefix := "BASTION_" + strings.ToUpper(section) + "_"
	envProvider := env.Provider(prefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, prefix)), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
