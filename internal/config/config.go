// Package config provides configuration loading and validation for the
// rendezvous server.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Environment variables (P2P_* prefix)
//  2. YAML config file (if specified with -c)
//  3. Hardcoded defaults
//
// Environment variables are mapped from P2P_CATEGORY_SETTING format,
// e.g., P2P_TCP_PORT maps to tcp.port in YAML.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("P2P")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.sync", true)
	v.SetDefault("log.target", "stdout")

	// Worker defaults
	v.SetDefault("worker.io_worker_num", 4)
	v.SetDefault("worker.process_worker_num", 4)

	// TCP defaults
	v.SetDefault("tcp.host", "0.0.0.0")
	v.SetDefault("tcp.port", 12000)
	v.SetDefault("tcp.recv_timeout", 1000)
	v.SetDefault("tcp.send_timeout", 2000)
	v.SetDefault("tcp.connect_timeout", 3000)
	v.SetDefault("tcp.keep_alive_time", 30)

	// UDP defaults
	v.SetDefault("udp.host", "0.0.0.0")
	v.SetDefault("udp.port", 12500)
	v.SetDefault("udp.disconnection_timeout_ms", 3000)

	// Reactor defaults
	v.SetDefault("epoll.event_size", 5000)

	// KV store defaults
	v.SetDefault("redis.redis_amount", 4)
	v.SetDefault("redis.redis_host", "127.0.0.1")
	v.SetDefault("redis.redis_port", 6379)
	v.SetDefault("redis.redis_auth", "")

	// Management API defaults
	// Default to disabled and bound to localhost for safety.
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8080)
}

// loadFromSource loads configuration from file and environment.
func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.Sync = v.GetBool("log.sync")
	cfg.Log.Target = v.GetString("log.target")

	cfg.Worker.IOWorkerNum = v.GetUint32("worker.io_worker_num")
	cfg.Worker.ProcessWorkerNum = v.GetUint32("worker.process_worker_num")

	cfg.TCP.Host = v.GetString("tcp.host")
	cfg.TCP.Port = uint16(v.GetUint32("tcp.port"))
	cfg.TCP.RecvTimeoutMs = v.GetUint64("tcp.recv_timeout")
	cfg.TCP.SendTimeoutMs = v.GetUint64("tcp.send_timeout")
	cfg.TCP.ConnectTimeoutMs = v.GetUint64("tcp.connect_timeout")
	cfg.TCP.KeepAliveTime = uint16(v.GetUint32("tcp.keep_alive_time"))

	cfg.UDP.Host = v.GetString("udp.host")
	cfg.UDP.Port = uint16(v.GetUint32("udp.port"))
	cfg.UDP.DisconnectionTimeoutMs = v.GetUint32("udp.disconnection_timeout_ms")

	cfg.Epoll.EventSize = v.GetUint32("epoll.event_size")

	cfg.Redis.Amount = v.GetUint32("redis.redis_amount")
	cfg.Redis.Host = v.GetString("redis.redis_host")
	cfg.Redis.Port = v.GetUint32("redis.redis_port")
	cfg.Redis.Auth = v.GetString("redis.redis_auth")

	cfg.API.Enabled = v.GetBool("api.enabled")
	cfg.API.Host = v.GetString("api.host")
	cfg.API.Port = v.GetInt("api.port")

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalizeConfig validates and normalizes the configuration.
func normalizeConfig(cfg *Config) error {
	if cfg.TCP.Port == 0 {
		return errors.New("tcp.port must be 1..65535")
	}
	if cfg.UDP.Port == 0 {
		return errors.New("udp.port must be 1..65535")
	}
	if cfg.TCP.Host == "" {
		cfg.TCP.Host = "0.0.0.0"
	}
	if cfg.UDP.Host == "" {
		cfg.UDP.Host = "0.0.0.0"
	}

	if cfg.Worker.IOWorkerNum == 0 {
		cfg.Worker.IOWorkerNum = 1
	}
	if cfg.Worker.ProcessWorkerNum == 0 {
		cfg.Worker.ProcessWorkerNum = 1
	}

	if cfg.Epoll.EventSize == 0 {
		cfg.Epoll.EventSize = 5000
	}

	if cfg.Redis.Amount == 0 {
		cfg.Redis.Amount = 1
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "127.0.0.1"
	}
	if cfg.Redis.Port == 0 || cfg.Redis.Port > 65535 {
		return errors.New("redis.redis_port must be 1..65535")
	}

	if cfg.UDP.DisconnectionTimeoutMs == 0 {
		cfg.UDP.DisconnectionTimeoutMs = 3000
	}

	if cfg.API.Host == "" {
		cfg.API.Host = "127.0.0.1"
	}
	if cfg.API.Enabled {
		if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
			return errors.New("api.port must be 1..65535")
		}
	}

	return nil
}

// Load loads configuration from a YAML file with environment variable
// overrides. Passing an empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
