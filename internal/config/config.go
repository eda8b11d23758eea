package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RelayConfig captures all tunable parameters for the relay server process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type RelayConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Per-peer inbound message budget. Devices push status every couple of
	// seconds; anything far above that is a misbehaving peer.
	PeerRatePerSec float64
	PeerRateBurst  int

	KafkaBrokers []string
	KafkaTopic   string

	LogLevel string
}

// ClientConfig holds everything the rider-side stack needs: backend base
// URL, relay URL, polling cadences and the tween duration.
type ClientConfig struct {
	APIBase  string
	RelayURL string

	FleetPollInterval time.Duration
	RidePollInterval  time.Duration
	TweenDuration     time.Duration
	TokenRefreshLead  time.Duration

	ReconnectMaxAttempts int

	StateDir string
	LogLevel string
}

// DeviceConfig drives the lock-controller simulator.
type DeviceConfig struct {
	APIBase  string
	RelayURL string

	CycleCode string
	Tick      time.Duration
	StepDeg   float64

	StateDir string
	LogLevel string
}

// TelemetryConfig drives the Kafka consumer that mirrors device status into
// Redis and Postgres.
type TelemetryConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	PGDSN string

	MetricsAddr string
	LogLevel    string
}

func defaultRelayConfig() RelayConfig {
	return RelayConfig{
		HTTPAddr:        ":4000",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		PeerRatePerSec:  20,
		PeerRateBurst:   40,
		KafkaTopic:      "cycle-status",
		LogLevel:        "info",
	}
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		APIBase:              "http://localhost:8080",
		RelayURL:             "ws://localhost:4000/ws",
		FleetPollInterval:    30 * time.Second,
		RidePollInterval:     5 * time.Second,
		TweenDuration:        800 * time.Millisecond,
		TokenRefreshLead:     60 * time.Second,
		ReconnectMaxAttempts: 5,
		StateDir:             defaultStateDir(),
		LogLevel:             "info",
	}
}

func defaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		APIBase:  "http://localhost:8080",
		RelayURL: "ws://localhost:4000/ws",
		Tick:     2 * time.Second,
		StepDeg:  0.0005, // ~55m per tick
		StateDir: defaultStateDir(),
		LogLevel: "info",
	}
}

func defaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "cycle-status",
		KafkaGroup:   "pedalup-telemetry",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "cycles_geo",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
}

// LoadRelayConfig reads the relay server configuration. A .env file in the
// working directory is honored when present.
func LoadRelayConfig() (RelayConfig, error) {
	loadDotEnv()
	cfg := defaultRelayConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "RELAY_HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "RELAY_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "RELAY_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "RELAY_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "RELAY_SHUTDOWN_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.PeerRatePerSec, "RELAY_PEER_RATE_PER_SEC", &errs)
	setIntFromEnv(&cfg.PeerRateBurst, "RELAY_PEER_RATE_BURST", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setLevelFromEnv(&cfg.LogLevel)

	if cfg.PeerRatePerSec <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_PEER_RATE_PER_SEC must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func LoadClientConfig() (ClientConfig, error) {
	loadDotEnv()
	cfg := defaultClientConfig()
	var errs []error

	setStringFromEnv(&cfg.APIBase, "API_BASE")
	setStringFromEnv(&cfg.RelayURL, "RELAY_URL")
	setDurationFromEnv(&cfg.FleetPollInterval, "FLEET_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.RidePollInterval, "RIDE_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.TweenDuration, "TWEEN_DURATION", &errs)
	setDurationFromEnv(&cfg.TokenRefreshLead, "TOKEN_REFRESH_LEAD", &errs)
	setIntFromEnv(&cfg.ReconnectMaxAttempts, "RECONNECT_MAX_ATTEMPTS", &errs)
	setStringFromEnv(&cfg.StateDir, "STATE_DIR")
	setLevelFromEnv(&cfg.LogLevel)

	if cfg.FleetPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("FLEET_POLL_INTERVAL must be > 0"))
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func LoadDeviceConfig() (DeviceConfig, error) {
	loadDotEnv()
	cfg := defaultDeviceConfig()
	var errs []error

	setStringFromEnv(&cfg.APIBase, "API_BASE")
	setStringFromEnv(&cfg.RelayURL, "RELAY_URL")
	setStringFromEnv(&cfg.CycleCode, "DEVICE_CYCLE_CODE")
	setDurationFromEnv(&cfg.Tick, "DEVICE_TICK", &errs)
	setFloatFromEnv(&cfg.StepDeg, "DEVICE_STEP_DEG", &errs)
	setStringFromEnv(&cfg.StateDir, "STATE_DIR")
	setLevelFromEnv(&cfg.LogLevel)

	if cfg.StepDeg <= 0 {
		errs = append(errs, fmt.Errorf("DEVICE_STEP_DEG must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func LoadTelemetryConfig() (TelemetryConfig, error) {
	loadDotEnv()
	cfg := defaultTelemetryConfig()
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setLevelFromEnv(&cfg.LogLevel)

	return cfg, errors.Join(errs...)
}

func loadDotEnv() {
	// Missing .env is the normal case outside local dev.
	_ = godotenv.Load()
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + string(os.PathSeparator) + "pedalup"
	}
	return ".pedalup"
}

func setLevelFromEnv(target *string) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		*target = strings.ToLower(v)
	}
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
