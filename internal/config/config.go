// Package config loads the cloud-admin YAML configuration. Durations are
// given in seconds. Secrets may come from the environment (CLOUD_ADMIN_*),
// optionally loaded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"cloud-admin/internal/auth"
	"cloud-admin/internal/logger"
	"cloud-admin/internal/protocol"
)

// Environment overrides.
const (
	EnvPrefix       = "CLOUD_ADMIN_"
	envEnv          = EnvPrefix + "ENV"
	envLogLevel     = EnvPrefix + "LOG_LEVEL"
	envServerSecret = EnvPrefix + "SERVER_SECRET"
	envMasterAddr   = EnvPrefix + "MASTER_ADDR"
	envUsername     = EnvPrefix + "USERNAME"
	envPassword     = EnvPrefix + "PASSWORD"
)

// MasterConfig configures the master process.
type MasterConfig struct {
	Listen string `yaml:"listen"`
	// HTTP serves /metrics and /healthz; empty disables it.
	HTTP      string      `yaml:"http"`
	BufferTTL int         `yaml:"buffer_ttl"` // in seconds
	Users     []auth.User `yaml:"users"`
	UsersDB   string      `yaml:"users_db"`
}

// MonitorConfig configures a monitor process. A PushInterval above zero
// makes serverInfo push on the monitor's own timer instead of waiting for
// the master's pull.
type MonitorConfig struct {
	ID                string              `yaml:"id"`
	ServerType        string              `yaml:"server_type"`
	MasterAddr        string              `yaml:"master_addr"`
	Info              protocol.ServerInfo `yaml:"info"`
	Timeout           int                 `yaml:"timeout"`             // in seconds
	Keepalive         int                 `yaml:"keepalive"`           // in seconds
	ReconnectDelay    int                 `yaml:"reconnect_delay"`     // in seconds
	ReconnectDelayMax int                 `yaml:"reconnect_delay_max"` // in seconds
	PushInterval      int                 `yaml:"push_interval"`       // in seconds
}

// ClientConfig configures the admin client.
type ClientConfig struct {
	MasterAddr string `yaml:"master_addr"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	MD5        bool   `yaml:"md5"`
	Timeout    int    `yaml:"timeout"` // in seconds
}

// Config is the whole configuration file.
type Config struct {
	Env          string        `yaml:"env"`
	Log          logger.Config `yaml:"log"`
	ServerSecret string        `yaml:"server_secret"`
	Master       MasterConfig  `yaml:"master"`
	Monitor      MonitorConfig `yaml:"monitor"`
	Client       ClientConfig  `yaml:"client"`
}

// LoadConfig loads configuration from a YAML file, applies environment
// overrides and sets default values. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.Env, envEnv)
	setFromEnv(&c.Log.Level, envLogLevel)
	setFromEnv(&c.ServerSecret, envServerSecret)
	if v := os.Getenv(envMasterAddr); v != "" {
		c.Monitor.MasterAddr = v
		c.Client.MasterAddr = v
	}
	setFromEnv(&c.Client.Username, envUsername)
	setFromEnv(&c.Client.Password, envPassword)
}

func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.Log.Env == "" {
		c.Log.Env = c.Env
	}
	if c.Master.Listen == "" {
		c.Master.Listen = ":3005"
	}
	if c.Master.BufferTTL == 0 {
		c.Master.BufferTTL = 600
	}
	if c.Monitor.MasterAddr == "" {
		c.Monitor.MasterAddr = "127.0.0.1:3005"
	}
	if c.Monitor.ServerType == "" {
		c.Monitor.ServerType = "server"
	}
	if c.Monitor.ID == "" {
		host, _ := os.Hostname()
		c.Monitor.ID = c.Monitor.ServerType + "-" + host + "-" + strconv.Itoa(os.Getpid())
	}
	if c.Client.MasterAddr == "" {
		c.Client.MasterAddr = c.Monitor.MasterAddr
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = 5
	}
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Seconds converts a seconds setting to a duration; zero stays zero so
// callers fall back to their own defaults.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
