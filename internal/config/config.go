package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds every tunable of the dispatch server.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	DatabaseURL string
	RedisURL    string

	LogLevel string

	AuthMode  string
	AuthTTL   time.Duration
	JWTSecret string
	JWTIssuer string
	// AdminToken, when set, is accepted as an admin bearer token in memory
	// mode so the first identities can be registered.
	AdminToken string

	MatchRadiusKM       float64
	MatchCandidateLimit int
	AutoAssignScore     float64
	ResponseTimeout     time.Duration
	SweepInterval       time.Duration
	RedispatchWorkers   int
	RedispatchQueue     int
	IdempotencyTTL      time.Duration

	KafkaBrokers           []string
	KafkaNotificationTopic string
	KafkaRideTopic         string

	NSQDAddr           string
	NSQRedispatchTopic string
}

const (
	AuthMemory = "memory"
	AuthJWT    = "jwt"
	AuthNone   = "none"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", AuthMemory)
	v.SetDefault("AUTH_TTL", "720h")
	v.SetDefault("MATCH_RADIUS_KM", 10.0)
	v.SetDefault("MATCH_CANDIDATE_LIMIT", 20)
	v.SetDefault("AUTO_ASSIGN_SCORE", 70.0)
	v.SetDefault("RESPONSE_TIMEOUT", "45s")
	v.SetDefault("SWEEP_INTERVAL", "15s")
	v.SetDefault("REDISPATCH_WORKERS", 4)
	v.SetDefault("REDISPATCH_QUEUE", 256)
	v.SetDefault("IDEMPOTENCY_TTL", "30m")
	v.SetDefault("KAFKA_NOTIFICATION_TOPIC", "ride-notifications")
	v.SetDefault("KAFKA_RIDE_TOPIC", "ride-updates")
	v.SetDefault("NSQ_REDISPATCH_TOPIC", "ride.redispatch")
}

// Load reads the environment, preceded by envFile when APP_ENV is local.
func Load(envFile string) (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("APP_ENV", "local")
	if v.GetString("APP_ENV") == "local" && envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			logrus.WithError(err).WithField("file", envFile).Debug("env file not loaded")
		}
	}
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTPAddr:               v.GetString("HTTP_ADDR"),
		ShutdownTimeout:        v.GetDuration("SHUTDOWN_TIMEOUT"),
		DatabaseURL:            strings.TrimSpace(v.GetString("DATABASE_URL")),
		RedisURL:               strings.TrimSpace(v.GetString("REDIS_URL")),
		LogLevel:               strings.ToLower(v.GetString("LOG_LEVEL")),
		AuthMode:               strings.ToLower(v.GetString("AUTH_MODE")),
		AuthTTL:                v.GetDuration("AUTH_TTL"),
		JWTSecret:              v.GetString("JWT_SECRET"),
		JWTIssuer:              v.GetString("JWT_ISSUER"),
		AdminToken:             strings.TrimSpace(v.GetString("AUTH_ADMIN_TOKEN")),
		MatchRadiusKM:          v.GetFloat64("MATCH_RADIUS_KM"),
		MatchCandidateLimit:    v.GetInt("MATCH_CANDIDATE_LIMIT"),
		AutoAssignScore:        v.GetFloat64("AUTO_ASSIGN_SCORE"),
		ResponseTimeout:        v.GetDuration("RESPONSE_TIMEOUT"),
		SweepInterval:          v.GetDuration("SWEEP_INTERVAL"),
		RedispatchWorkers:      v.GetInt("REDISPATCH_WORKERS"),
		RedispatchQueue:        v.GetInt("REDISPATCH_QUEUE"),
		IdempotencyTTL:         v.GetDuration("IDEMPOTENCY_TTL"),
		KafkaBrokers:           splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaNotificationTopic: v.GetString("KAFKA_NOTIFICATION_TOPIC"),
		KafkaRideTopic:         v.GetString("KAFKA_RIDE_TOPIC"),
		NSQDAddr:               strings.TrimSpace(v.GetString("NSQD_ADDR")),
		NSQRedispatchTopic:     v.GetString("NSQ_REDISPATCH_TOPIC"),
	}
	return cfg, cfg.Validate()
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.MatchRadiusKM <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_KM must be > 0"))
	}
	if c.MatchCandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if c.AutoAssignScore < 0 || c.AutoAssignScore > 100 {
		errs = append(errs, fmt.Errorf("AUTO_ASSIGN_SCORE must be within [0,100]"))
	}
	if c.ResponseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RESPONSE_TIMEOUT must be > 0"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}
	if c.RedispatchWorkers <= 0 {
		errs = append(errs, fmt.Errorf("REDISPATCH_WORKERS must be > 0"))
	}
	if c.RedispatchQueue <= 0 {
		errs = append(errs, fmt.Errorf("REDISPATCH_QUEUE must be > 0"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be > 0"))
	}
	switch c.AuthMode {
	case AuthMemory, AuthNone:
	case AuthJWT:
		if c.JWTSecret == "" {
			errs = append(errs, fmt.Errorf("JWT_SECRET is required when AUTH_MODE=jwt"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
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
