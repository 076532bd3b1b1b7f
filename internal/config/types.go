package config

// LogConfig contains log sink settings.
type LogConfig struct {
	Level  string `yaml:"level"  mapstructure:"level"`
	Sync   bool   `yaml:"sync"   mapstructure:"sync"`
	Target string `yaml:"target" mapstructure:"target"`
}

// WorkerConfig sizes the reactor thread pools.
type WorkerConfig struct {
	IOWorkerNum      uint32 `yaml:"io_worker_num"      mapstructure:"io_worker_num"`
	ProcessWorkerNum uint32 `yaml:"process_worker_num" mapstructure:"process_worker_num"`
}

// TCPConfig contains the TCP listener and per-client socket settings.
type TCPConfig struct {
	Host             string `yaml:"host"            mapstructure:"host"`
	Port             uint16 `yaml:"port"            mapstructure:"port"`
	RecvTimeoutMs    uint64 `yaml:"recv_timeout"    mapstructure:"recv_timeout"`
	SendTimeoutMs    uint64 `yaml:"send_timeout"    mapstructure:"send_timeout"`
	ConnectTimeoutMs uint64 `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	KeepAliveTime    uint16 `yaml:"keep_alive_time" mapstructure:"keep_alive_time"`
}

// UDPConfig contains the UDP listener and liveness settings.
type UDPConfig struct {
	Host                   string `yaml:"host"                     mapstructure:"host"`
	Port                   uint16 `yaml:"port"                     mapstructure:"port"`
	DisconnectionTimeoutMs uint32 `yaml:"disconnection_timeout_ms" mapstructure:"disconnection_timeout_ms"`
}

// EpollConfig contains reactor tuning.
type EpollConfig struct {
	// EventSize is the readiness batch size handed to epoll_wait.
	EventSize uint32 `yaml:"event_size" mapstructure:"event_size"`
}

// RedisConfig contains the KV store endpoint and pool sizing.
type RedisConfig struct {
	Amount uint32 `yaml:"redis_amount" mapstructure:"redis_amount"`
	Host   string `yaml:"redis_host"   mapstructure:"redis_host"`
	Port   uint32 `yaml:"redis_port"   mapstructure:"redis_port"`
	Auth   string `yaml:"redis_auth"   mapstructure:"redis_auth"`
}

// APIConfig contains management API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host"    mapstructure:"host"`
	Port    int    `yaml:"port"    mapstructure:"port"`
}

// Config is the root configuration structure.
type Config struct {
	Log    LogConfig    `yaml:"log"    mapstructure:"log"`
	Worker WorkerConfig `yaml:"worker" mapstructure:"worker"`
	TCP    TCPConfig    `yaml:"tcp"    mapstructure:"tcp"`
	UDP    UDPConfig    `yaml:"udp"    mapstructure:"udp"`
	Epoll  EpollConfig  `yaml:"epoll"  mapstructure:"epoll"`
	Redis  RedisConfig  `yaml:"redis"  mapstructure:"redis"`
	API    APIConfig    `yaml:"api"    mapstructure:"api"`
}
