// Package config holds the exporter configuration and its loader.
package config

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/homeserver-ops/synapse-monitor/internal/utils"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	GlobalConfig GlobalConfig `yaml:"global_config"`
	Connections  []Connection `yaml:"connections"`
	BasicAuth    BasicAuth    `yaml:"basic_auth"`
}

type GlobalConfig struct {
	Env                    string `yaml:"env"`
	LogLevel               string `yaml:"log_level"`
	QueriesFile            string `yaml:"queries_file"`
	RetryConnInterval      int    `yaml:"retry_conn_interval"`
	DefaultTimeInterval    int    `yaml:"default_time_interval"`
	QueryTimeout           int    `yaml:"query_timeout"`
	LogPath                string `yaml:"log_path"`
	Port                   int    `yaml:"port"`
	UseHTTPS               bool   `yaml:"use_https"`
	CertFile               string `yaml:"cert_file"`
	KeyFile                string `yaml:"key_file"`
	PrometheusMTLSEnabled  bool   `yaml:"prometheus_mtls_enabled"`
	PrometheusClientCACert string `yaml:"prometheus_client_ca_cert_file"`
	ShutdownTimeout        int    `yaml:"shutdown_timeout"`
	WorkerPoolSize         int    `yaml:"worker_pool_size"`
	EncryptionKey          string `yaml:"encryption_key"`
	RateLimitRequests      int    `yaml:"rate_limit_requests"`
	RateLimitBurst         int    `yaml:"rate_limit_burst"`
	CircuitBreakerConfig   struct {
		Timeout       int `yaml:"timeout"`
		MaxConcurrent int `yaml:"max_concurrent"`
		ErrorPercent  int `yaml:"error_percent"`
		SleepWindow   int `yaml:"sleep_window"`
	} `yaml:"circuit_breaker_config"`
}

// Connection describes one monitored Postgres database.
type Connection struct {
	DBHost        string            `yaml:"db_host"`
	DBName        string            `yaml:"db_name"`
	DBPort        int               `yaml:"db_port"`
	DBUser        string            `yaml:"db_user"`
	DBPasswd      string            `yaml:"db_passwd"`
	SSLMode       string            `yaml:"ssl_mode"`
	TLSCertFile   string            `yaml:"tls_cert_file"`
	TLSKeyFile    string            `yaml:"tls_key_file"`
	TLSCACertFile string            `yaml:"tls_ca_cert_file"`
	ExtraLabels   map[string]string `yaml:"extra_labels"`
	MaxConns      int               `yaml:"max_conns,omitempty"`
	IdleTimeout   int               `yaml:"idle_timeout,omitempty"`
}

type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

func Load(filename string) (Config, error) {
	var config Config
	data, err := os.ReadFile(filename)
	if err != nil {
		return config, fmt.Errorf("reading file: %v", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("unmarshaling YAML: %v", err)
	}

	if config.GlobalConfig.RetryConnInterval < 0 {
		return config, fmt.Errorf("retry_conn_interval cannot be negative")
	}
	if config.GlobalConfig.QueriesFile == "" {
		return config, fmt.Errorf("queries_file must be set")
	}
	for _, conn := range config.Connections {
		if conn.DBHost == "" || conn.DBName == "" {
			return config, fmt.Errorf("connection missing db_host or db_name")
		}
	}

	env := config.GlobalConfig.Env
	if env == "" {
		env = os.Getenv("ENV")
	}
	if env == "" {
		env = "production"
		logrus.Warn("Environment not specified in config or ENV; defaulting to production")
	}
	isDev := env == "development"
	config.GlobalConfig.Env = env

	if config.GlobalConfig.EncryptionKey != "" {
		key := []byte(config.GlobalConfig.EncryptionKey)
		for i := range config.Connections {
			if !isEncrypted(config.Connections[i].DBPasswd) && !isDev {
				return config, fmt.Errorf("db_passwd for %s must be encrypted in production", config.Connections[i].DBName)
			}
			if decrypted, err := utils.Decrypt(key, config.Connections[i].DBPasswd); err == nil {
				config.Connections[i].DBPasswd = decrypted
			} else if !isDev {
				return config, fmt.Errorf("failed to decrypt db_passwd for %s: %v", config.Connections[i].DBName, err)
			}
		}
		if config.BasicAuth.Username != "" {
			if !isEncrypted(config.BasicAuth.Password) && !isDev {
				return config, fmt.Errorf("basic_auth.password must be encrypted in production")
			}
			if decrypted, err := utils.Decrypt(key, config.BasicAuth.Password); err == nil {
				config.BasicAuth.Password = decrypted
			} else if !isDev {
				return config, fmt.Errorf("failed to decrypt basic_auth.password: %v", err)
			}
		}
	} else if !isDev {
		return config, fmt.Errorf("encryption_key must be set in production")
	}

	if config.GlobalConfig.DefaultTimeInterval <= 0 {
		config.GlobalConfig.DefaultTimeInterval = 60
	}
	if config.GlobalConfig.QueryTimeout <= 0 {
		config.GlobalConfig.QueryTimeout = 30
	}
	if config.GlobalConfig.WorkerPoolSize == 0 {
		config.GlobalConfig.WorkerPoolSize = 10
	}
	if config.GlobalConfig.ShutdownTimeout == 0 {
		config.GlobalConfig.ShutdownTimeout = 30
	}
	if config.GlobalConfig.RateLimitRequests == 0 {
		config.GlobalConfig.RateLimitRequests = 100
	}
	if config.GlobalConfig.RateLimitBurst == 0 {
		config.GlobalConfig.RateLimitBurst = 50
	}
	if config.GlobalConfig.CircuitBreakerConfig.Timeout == 0 {
		config.GlobalConfig.CircuitBreakerConfig.Timeout = 30000
	}
	if config.GlobalConfig.CircuitBreakerConfig.MaxConcurrent == 0 {
		config.GlobalConfig.CircuitBreakerConfig.MaxConcurrent = 10
	}
	if config.GlobalConfig.CircuitBreakerConfig.ErrorPercent == 0 {
		config.GlobalConfig.CircuitBreakerConfig.ErrorPercent = 50
	}
	if config.GlobalConfig.CircuitBreakerConfig.SleepWindow == 0 {
		config.GlobalConfig.CircuitBreakerConfig.SleepWindow = 5000
	}
	return config, nil
}

func isEncrypted(s string) bool {
	_, err := base64.StdEncoding.DecodeString(s)
	return err == nil && len(s) > 32
}
