package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/punchamoorthee/tillbridge/internal/points"
	"github.com/punchamoorthee/tillbridge/internal/session"
)

type Config struct {
	DBSource string
	Port     string
	Env      string
	TillID   string

	MatchWindow     time.Duration
	PointsPerDollar int64
	Bonuses         []points.Bonus
	Timeouts        session.Timeouts
	Heartbeat       time.Duration

	ReceiptMonitor    bool
	ReceiptFolder     string
	ReceiptExtensions []string
	ReceiptSettle     time.Duration

	StoreTimeout time.Duration
	StoreRetry   time.Duration

	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads the configuration from the environment, after loading a .env
// file from the working directory if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from lookup, which returns "" for unset keys.
func FromEnv(lookup func(string) string) (*Config, error) {
	e := env{lookup: lookup}

	dbSource := lookup("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource:        dbSource,
		Port:            e.str("SERVER_PORT", "8080"),
		Env:             e.str("ENVIRONMENT", "development"),
		TillID:          e.str("TILL_ID", "till-1"),
		MatchWindow:     e.seconds("MATCH_WINDOW_SECONDS", 30),
		PointsPerDollar: int64(e.int("POINTS_PER_DOLLAR", 1)),
		Timeouts: session.Timeouts{
			Registration:     e.seconds("REGISTRATION_TIMEOUT_SECONDS", 120),
			Confirmation:     e.seconds("CONFIRMATION_TIMEOUT_SECONDS", 5),
			CustomerInfo:     e.seconds("CUSTOMER_INFO_TIMEOUT_SECONDS", 10),
			PurchaseComplete: e.seconds("PURCHASE_COMPLETE_TIMEOUT_SECONDS", 8),
			Error:            e.seconds("ERROR_TIMEOUT_SECONDS", 3),
		},
		Heartbeat:         e.seconds("HEARTBEAT_INTERVAL_SECONDS", 30),
		ReceiptMonitor:    e.bool("RECEIPT_MONITOR_ENABLED", true),
		ReceiptFolder:     e.str("RECEIPT_FOLDER_PATH", "C:/Windows/System32/spool/PRINTERS"),
		ReceiptExtensions: list(e.str("RECEIPT_EXTENSIONS", ".txt,.prn,.spl,.log")),
		ReceiptSettle:     time.Duration(e.int("RECEIPT_SETTLE_MS", 500)) * time.Millisecond,
		StoreTimeout:      e.seconds("STORE_TIMEOUT_SECONDS", 5),
		StoreRetry:        e.seconds("STORE_RETRY_SECONDS", 15),
		KafkaBrokers:      list(lookup("KAFKA_BROKERS")),
		KafkaTopic:        e.str("KAFKA_TOPIC", "loyalty.events"),
	}

	bonuses, err := points.ParseBonuses(e.str("BONUS_THRESHOLDS", "100:10,250:25,500:50"))
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("BONUS_THRESHOLDS: %w", err))
	}
	cfg.Bonuses = bonuses

	if len(e.errs) > 0 {
		return nil, e.errs[0]
	}
	if cfg.MatchWindow <= 0 {
		return nil, fmt.Errorf("MATCH_WINDOW_SECONDS must be positive")
	}
	if cfg.PointsPerDollar < 0 {
		return nil, fmt.Errorf("POINTS_PER_DOLLAR must not be negative")
	}
	return cfg, nil
}

type env struct {
	lookup func(string) string
	errs   []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.lookup(key)); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := strings.TrimSpace(e.lookup(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (e *env) seconds(key string, def int) time.Duration {
	return time.Duration(e.int(key, def)) * time.Second
}

func (e *env) bool(key string, def bool) bool {
	v := strings.TrimSpace(e.lookup(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func list(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
