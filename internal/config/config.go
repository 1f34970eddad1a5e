package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Delivery transports.
const (
	TransportHTTP  = "http"
	TransportKafka = "kafka"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Hub session.
	HubURL            string
	HubToken          string
	HubEventTypes     []string
	HubKeepalive      time.Duration
	HubSubscribeDelay time.Duration
	HubHealthyAfter   time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration

	// Worker pool.
	WorkerCount       int
	QueueSize         int
	QueueBlockTimeout time.Duration

	// Weather enrichment.
	WeatherEnabled   bool
	WeatherAPIKey    string
	WeatherBaseURL   string
	WeatherLocation  string
	WeatherTTL       time.Duration
	WeatherPerMinute int
	WeatherPerDay    int
	WeatherTimeout   time.Duration
	WeatherCacheSize int

	// Delivery.
	DeliveryTransport string
	DeliveryURL       string
	DeliveryAttempts  int
	DeliveryBackoff   time.Duration
	DeliveryTimeout   time.Duration
	SpillPath         string
	SpillCapacity     int

	// Kafka transport.
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	// Time-series store.
	InfluxURL           string
	InfluxToken         string
	InfluxOrg           string
	InfluxBucket        string
	StorageWriteTimeout time.Duration
	StorageDedupSize    int
	StorageAttempts     int
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	var p parser
	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		HubURL:            sharedcfg.EnvOrDefault("HUB_URL", "ws://localhost:8123/api/websocket"),
		HubToken:          os.Getenv("HUB_TOKEN"),
		HubEventTypes:     splitList(sharedcfg.EnvOrDefault("HUB_EVENT_TYPES", "state_changed")),
		HubKeepalive:      p.duration("HUB_KEEPALIVE", "60s"),
		HubSubscribeDelay: p.duration("HUB_SUBSCRIBE_DELAY", "1s"),
		HubHealthyAfter:   p.duration("HUB_HEALTHY_AFTER", "5m"),
		ReconnectMin:      p.duration("RECONNECT_MIN", "1s"),
		ReconnectMax:      p.duration("RECONNECT_MAX", "60s"),

		WorkerCount:       p.intRange("WORKER_COUNT", 8, 1, 64),
		QueueSize:         p.intRange("QUEUE_SIZE", 1024, 1, 1_000_000),
		QueueBlockTimeout: p.duration("QUEUE_BLOCK_TIMEOUT", "250ms"),

		WeatherAPIKey:    os.Getenv("WEATHER_API_KEY"),
		WeatherBaseURL:   sharedcfg.EnvOrDefault("WEATHER_BASE_URL", "https://api.openweathermap.org/data/2.5"),
		WeatherLocation:  sharedcfg.EnvOrDefault("WEATHER_LOCATION", "Las Vegas,NV,US"),
		WeatherTTL:       p.duration("WEATHER_TTL", "15m"),
		WeatherPerMinute: p.intRange("WEATHER_PER_MINUTE", 50, 1, 100_000),
		WeatherPerDay:    p.intRange("WEATHER_PER_DAY", 900, 1, 10_000_000),
		WeatherTimeout:   p.duration("WEATHER_TIMEOUT", "10s"),
		WeatherCacheSize: p.intRange("WEATHER_CACHE_SIZE", 128, 1, 1_000_000),

		DeliveryTransport: strings.ToLower(sharedcfg.EnvOrDefault("DELIVERY_TRANSPORT", TransportHTTP)),
		DeliveryURL:       sharedcfg.EnvOrDefault("DELIVERY_URL", "http://localhost:8081/v1/events"),
		DeliveryAttempts:  p.intRange("DELIVERY_ATTEMPTS", 3, 1, 20),
		DeliveryBackoff:   p.duration("DELIVERY_BACKOFF", "500ms"),
		DeliveryTimeout:   p.duration("DELIVERY_TIMEOUT", "5s"),
		SpillPath:         os.Getenv("SPILL_PATH"),
		SpillCapacity:     p.intRange("SPILL_CAPACITY", 10_000, 1, 10_000_000),

		KafkaBrokers: sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "hass-events"),
		KafkaGroupID: sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "hass-ingest-store"),

		InfluxURL:           sharedcfg.EnvOrDefault("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:         os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:           sharedcfg.EnvOrDefault("INFLUX_ORG", "home"),
		InfluxBucket:        sharedcfg.EnvOrDefault("INFLUX_BUCKET", "hass"),
		StorageWriteTimeout: p.duration("STORAGE_WRITE_TIMEOUT", "5s"),
		StorageDedupSize:    p.intRange("STORAGE_DEDUP_SIZE", 10_000, 1, 10_000_000),
		StorageAttempts:     p.intRange("STORAGE_ATTEMPTS", 3, 1, 100),
	}

	cfg.WeatherEnabled = cfg.WeatherAPIKey != ""
	if v := os.Getenv("WEATHER_ENABLED"); v != "" {
		cfg.WeatherEnabled = v == "true"
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HubURL == "" {
		return errors.New("HUB_URL is required")
	}
	if len(c.HubEventTypes) == 0 {
		return errors.New("HUB_EVENT_TYPES must name at least one event type")
	}
	if c.ReconnectMax < c.ReconnectMin {
		return errors.New("RECONNECT_MAX must not be below RECONNECT_MIN")
	}
	if c.WeatherEnabled && c.WeatherAPIKey == "" {
		return errors.New("WEATHER_ENABLED is true but WEATHER_API_KEY is not set")
	}
	switch c.DeliveryTransport {
	case TransportHTTP:
		if c.DeliveryURL == "" {
			return errors.New("DELIVERY_URL is required for the http transport")
		}
	case TransportKafka:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required for the kafka transport")
		}
		if c.KafkaTopic == "" {
			return errors.New("KAFKA_TOPIC is required for the kafka transport")
		}
	default:
		return fmt.Errorf("invalid DELIVERY_TRANSPORT %q", c.DeliveryTransport)
	}
	return nil
}

// RequireHub reports whether the settings needed by the ingest half are present.
func (c *Config) RequireHub() error {
	if c.HubToken == "" {
		return errors.New("HUB_TOKEN is required")
	}
	return nil
}

// RequireStore reports whether the settings needed by the store half are present.
func (c *Config) RequireStore() error {
	if c.InfluxURL == "" {
		return errors.New("INFLUX_URL is required")
	}
	if c.InfluxBucket == "" {
		return errors.New("INFLUX_BUCKET is required")
	}
	return nil
}

// parser accumulates the first parse error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) duration(key, def string) time.Duration {
	s := sharedcfg.EnvOrDefault(key, def)
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		p.fail(fmt.Errorf("invalid %s: %q", key, s))
		return 0
	}
	return d
}

func (p *parser) intRange(key string, def, lo, hi int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		p.fail(fmt.Errorf("invalid %s: must be an integer between %d and %d", key, lo, hi))
		return def
	}
	return n
}

func (p *parser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
