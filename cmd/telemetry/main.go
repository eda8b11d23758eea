// Telemetry consumer: reads the relay's cycle-status topic and mirrors it
// into operational stores. Redis holds the last known position per cycle
// as a GEO set; Postgres keeps the location history when configured. The
// relay itself stays stateless either way.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/pedalup/internal/config"
	"github.com/example/pedalup/internal/logging"
	"github.com/example/pedalup/internal/telemetry"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_messages_consumed_total",
		Help: "Total cycle status messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_redis_errors_total",
		Help: "Total redis errors",
	})
	historyRows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_history_rows_total",
		Help: "Total location history rows written",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors, historyRows)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.LoadTelemetryConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	logger := logging.NewLogger(cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	mirror := &redisMirror{c: rc}

	var history *sql.DB
	if cfg.PGDSN != "" {
		db, err := sql.Open("postgres", cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres open: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("postgres ping: %v", err)
		}
		history = db
		defer func() { _ = db.Close() }()
		logger.Info("location history archive enabled")
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("telemetry consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var ev telemetry.StatusEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.CycleCode == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err)
			continue
		}

		if err := updateMirrorWithRetry(ctx, mirror, cfg.RedisGeoKey, &ev, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Warn("redis update failed", "cycle", ev.CycleCode, "error", err)
		} else {
			redisUpdates.Inc()
		}

		if history != nil {
			if err := archiveStatus(ctx, history, &ev); err != nil {
				logger.Warn("history insert failed", "cycle", ev.CycleCode, "error", err)
			} else {
				historyRows.Inc()
			}
		}
	}
}

// GeoMirror defines the small subset of redis operations we need for tests
// and production.
type GeoMirror interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisMirror struct{ c *redis.Client }

func (r *redisMirror) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisMirror) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

func metaKey(cycleCode string) string { return "cycle:meta:" + cycleCode }

// updateMirrorWithRetry writes the cycle's position and metadata with
// retry and doubling backoff.
func updateMirrorWithRetry(ctx context.Context, mirror GeoMirror, geoKey string, ev *telemetry.StatusEvent, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		if err := mirror.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: ev.Status.Lng, Latitude: ev.Status.Lat, Name: ev.CycleCode}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		if err := mirror.HSet(ctx, metaKey(ev.CycleCode), map[string]interface{}{
			"lock":       string(ev.Status.Lock),
			"battery":    ev.Status.Battery,
			"receivedAt": ev.ReceivedAt,
		}); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}

func archiveStatus(ctx context.Context, db *sql.DB, ev *telemetry.StatusEvent) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO cycle_location_history(cycle_code, lat, lng, lock_state, battery, reported_at, received_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7)`,
		ev.CycleCode, ev.Status.Lat, ev.Status.Lng, string(ev.Status.Lock), ev.Status.Battery,
		time.UnixMilli(ev.Status.Timestamp), time.UnixMilli(ev.ReceivedAt))
	return err
}
