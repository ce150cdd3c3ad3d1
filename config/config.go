package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "BATTLEVOTE"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	MySQL   MySQLConfig   `mapstructure:"mysql"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	ETCD    ETCDConfig    `mapstructure:"etcd"`
	Sweeper SweeperConfig `mapstructure:"sweeper"`
	Voting  VotingConfig  `mapstructure:"voting"`
	GraphQL GraphQLConfig `mapstructure:"graphql"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	// Master为空时使用内存存储（仅限单进程）
	Master       string `mapstructure:"master"`
	Slave        string `mapstructure:"slave"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	// 投票状态读缓存，为空时不启用缓存
	DataAddress string        `mapstructure:"data_address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`

	// Redlock使用的Redis节点，sweeper.lock_backend为"redis"时生效
	LockAddresses []string `mapstructure:"lock_addresses"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	AnalyticsTopic string   `mapstructure:"analytics_topic"`
	LifecycleTopic string   `mapstructure:"lifecycle_topic"`
	GroupID        string   `mapstructure:"group_id"`
	Workers        int      `mapstructure:"workers"`
}

// Enabled 是否配置了Kafka broker
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

type ETCDConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	SessionTTL  time.Duration `mapstructure:"session_ttl"`
}

type SweeperConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	LockBackend    string        `mapstructure:"lock_backend"` // "etcd"、"redis" 或 "none"
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
	LockRetryCount int           `mapstructure:"lock_retry_count"`
}

type VotingConfig struct {
	BackfillOnStart bool `mapstructure:"backfill_on_start"`
}

type GraphQLConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.timeout", 2*time.Second)
	v.SetDefault("redis.cache_ttl", 5*time.Second)
	v.SetDefault("kafka.analytics_topic", "battle.analytics")
	v.SetDefault("kafka.lifecycle_topic", "battle.lifecycle")
	v.SetDefault("kafka.group_id", "battlevote")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.session_ttl", 10*time.Second)
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", 30*time.Second)
	v.SetDefault("sweeper.lock_backend", "none")
	v.SetDefault("sweeper.lock_timeout", 10*time.Second)
	v.SetDefault("sweeper.lock_retry_count", 3)
	v.SetDefault("graphql.path", "/graphql")
	v.SetDefault("log.level", "info")
}

// LoadConfig 加载配置文件，并用 BATTLEVOTE_* 环境变量覆盖
// 例如 BATTLEVOTE_MYSQL_MASTER
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验viper无法表达的跨字段约束
func (c *Config) Validate() error {
	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be positive, got %s", c.Sweeper.Interval)
	}
	if c.Sweeper.LockBackend != "none" && c.Sweeper.LockBackend != "" && c.Sweeper.LockTimeout < 2*time.Millisecond {
		return fmt.Errorf("sweeper.lock_timeout must be at least 2ms with a lock backend, got %s", c.Sweeper.LockTimeout)
	}
	switch c.Sweeper.LockBackend {
	case "none", "":
	case "etcd":
		if len(c.ETCD.Endpoints) == 0 {
			return fmt.Errorf("sweeper.lock_backend=etcd requires etcd.endpoints")
		}
	case "redis":
		if len(c.Redis.LockAddresses) == 0 {
			return fmt.Errorf("sweeper.lock_backend=redis requires redis.lock_addresses")
		}
	default:
		return fmt.Errorf("unsupported sweeper.lock_backend: %s", c.Sweeper.LockBackend)
	}
	return nil
}
