package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Addr        string
	DatabaseURL string

	KafkaBrokers []string
	KafkaTopic   string

	ArchiveBucket string
	ArchivePrefix string

	ReviewerKeysFile   string
	ReviewerWriteScope string
	AllowDebugToken    bool
	DebugToken         string

	// Engine knobs; zero values fall back to the engines' documented defaults.
	SecondaryDiscount float64
	VarianceTolerance float64
	DecayRatePerDay   float64
	SpreadScale       float64
	AlertHorizonDays  int
}

const (
	defaultAddr       = ":8074"
	defaultTopic      = "decision-impact.audit"
	defaultWriteScope = "impact.write"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:        getEnv("DECISION_IMPACT_ADDR", defaultAddr),
		DatabaseURL: firstNonEmpty(os.Getenv("DECISION_IMPACT_DATABASE_URL"), os.Getenv("DATABASE_URL")),

		KafkaTopic: getEnv("DECISION_IMPACT_KAFKA_TOPIC", defaultTopic),

		ArchiveBucket: os.Getenv("DECISION_IMPACT_ARCHIVE_BUCKET"),
		ArchivePrefix: os.Getenv("DECISION_IMPACT_ARCHIVE_PREFIX"),

		ReviewerKeysFile:   os.Getenv("DECISION_IMPACT_REVIEWER_KEYS_FILE"),
		ReviewerWriteScope: getEnv("DECISION_IMPACT_WRITE_SCOPE", defaultWriteScope),
		AllowDebugToken:    getBool("DECISION_IMPACT_ALLOW_DEBUG_TOKEN", false),
		DebugToken:         os.Getenv("DECISION_IMPACT_DEBUG_TOKEN"),

		SecondaryDiscount: getFloat("DECISION_IMPACT_SECONDARY_DISCOUNT", 0),
		VarianceTolerance: getFloat("DECISION_IMPACT_VARIANCE_TOLERANCE", 0),
		DecayRatePerDay:   getFloat("DECISION_IMPACT_DECAY_RATE", 0),
		SpreadScale:       getFloat("DECISION_IMPACT_SPREAD_SCALE", 0),
		AlertHorizonDays:  getInt("DECISION_IMPACT_ALERT_HORIZON_DAYS", 0),
	}
	if brokers := os.Getenv("DECISION_IMPACT_KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
