package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Broker    BrokerConfig    `yaml:"broker"`
	Publisher PublisherConfig `yaml:"publisher"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"min=1,max=65535"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn" validate:"required"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BrokerConfig struct {
	Type     string         `yaml:"type" validate:"oneof=kafka rabbitmq"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type PublisherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	BatchSize    int           `yaml:"batch_size" validate:"min=1,max=1000"`
	MaxBackoff   time.Duration `yaml:"max_backoff" validate:"gtefield=PollInterval"`
	BatchTimeout time.Duration `yaml:"batch_timeout" validate:"gt=0"`
	LeaderLock   bool          `yaml:"leader_lock"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
	InstanceID   string        `yaml:"instance_id"`
}

type ConsumerConfig struct {
	Name string `yaml:"name" validate:"required,max=128"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Broker: BrokerConfig{
			Type:     "kafka",
			Kafka:    KafkaConfig{Topic: "orders.submitted"},
			RabbitMQ: RabbitMQConfig{Exchange: "orders"},
		},
		Publisher: PublisherConfig{
			PollInterval: 2 * time.Second,
			BatchSize:    20,
			MaxBackoff:   30 * time.Second,
			BatchTimeout: 30 * time.Second,
			LockTTL:      10 * time.Second,
		},
		Consumer:  ConsumerConfig{Name: "order-submitted-consumer"},
		RateLimit: RateLimitConfig{RPS: 200, Burst: 50},
	}
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes data over the defaults, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Publisher.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.Publisher.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Broker.Type {
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 || c.Broker.Kafka.Topic == "" {
			return fmt.Errorf("invalid config: kafka brokers and topic are required")
		}
	case "rabbitmq":
		if c.Broker.RabbitMQ.URL == "" || c.Broker.RabbitMQ.Exchange == "" {
			return fmt.Errorf("invalid config: rabbitmq url and exchange are required")
		}
	}
	if c.Publisher.LeaderLock && (c.Redis.Addr == "" || c.Publisher.LockTTL <= c.Publisher.PollInterval) {
		return fmt.Errorf("invalid config: leader lock needs redis.addr and lock_ttl > poll_interval")
	}
	return nil
}

func (c *Config) applyEnv() error {
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		c.Postgres.DSN = c.Postgres.DSN + " password=" + pw
	}
	if v := os.Getenv("OUTBOX_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("OUTBOX_BROKER_TYPE"); v != "" {
		c.Broker.Type = v
	}
	if v := os.Getenv("OUTBOX_KAFKA_BROKERS"); v != "" {
		c.Broker.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("OUTBOX_RABBITMQ_URL"); v != "" {
		c.Broker.RabbitMQ.URL = v
	}
	if v := os.Getenv("OUTBOX_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("OUTBOX_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("OUTBOX_POLL_INTERVAL: %w", err)
		}
		c.Publisher.PollInterval = d
	}
	if v := os.Getenv("OUTBOX_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OUTBOX_BATCH_SIZE: %w", err)
		}
		c.Publisher.BatchSize = n
	}
	return nil
}
