package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(values map[string]any) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	for k, val := range values {
		v.Set(k, val)
	}
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := fromViper(newViper(nil))

	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, AuthMemory, cfg.AuthMode)
	assert.Equal(t, 10.0, cfg.MatchRadiusKM)
	assert.Equal(t, 20, cfg.MatchCandidateLimit)
	assert.Equal(t, 70.0, cfg.AutoAssignScore)
	assert.Equal(t, 45*time.Second, cfg.ResponseTimeout)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.Equal(t, 30*time.Minute, cfg.IdempotencyTTL)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Empty(t, cfg.NSQDAddr)
}

func TestOverrides(t *testing.T) {
	cfg, err := fromViper(newViper(map[string]any{
		"KAFKA_BROKERS":     " k1:9092, ,k2:9092 ",
		"AUTH_MODE":         "JWT",
		"JWT_SECRET":        "s3cret",
		"AUTH_ADMIN_TOKEN":  "  bootstrap ",
		"LOG_LEVEL":         "DEBUG",
		"AUTO_ASSIGN_SCORE": 85,
	}))

	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, AuthJWT, cfg.AuthMode)
	assert.Equal(t, "bootstrap", cfg.AdminToken)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 85.0, cfg.AutoAssignScore)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	_, err := fromViper(newViper(map[string]any{
		"MATCH_RADIUS_KM":   0,
		"AUTO_ASSIGN_SCORE": 120,
		"AUTH_MODE":         "jwt",
		"LOG_LEVEL":         "loud",
	}))

	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "MATCH_RADIUS_KM")
	assert.Contains(t, msg, "AUTO_ASSIGN_SCORE")
	assert.Contains(t, msg, "JWT_SECRET")
	assert.Contains(t, msg, "LOG_LEVEL")
}

func TestUnknownAuthMode(t *testing.T) {
	_, err := fromViper(newViper(map[string]any{"AUTH_MODE": "ldap"}))
	assert.ErrorContains(t, err, "unknown AUTH_MODE")
}
