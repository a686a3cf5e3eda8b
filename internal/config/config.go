package config

import (
	"os"
	"strings"
	"time"
)

type Postgres struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

type Config struct {
	Port          string
	RedisAddr     string
	RedisPassword string
	MQTTBrokerURL string
	JWTSecret     string
	Postgres      Postgres

	PairingCodeTTL   time.Duration
	AuthTokenTTL     time.Duration
	ThrottleWindow   time.Duration
	GuardCooldown    time.Duration
	LeaseSweepEvery  time.Duration
	StorageTimeout   time.Duration
	RateLimitRPS     int
	RateLimitBurst   int
	AllowedOrigins   []string
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func Load() Config {
	return Config{
		Port:          env("PAIRING_PORT", "8098"),
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		MQTTBrokerURL: strings.TrimSpace(os.Getenv("MQTT_BROKER_URL")),
		JWTSecret:     env("VIZORA_JWT_SECRET", "dev-secret-change-me"),
		Postgres: Postgres{
			User:     env("POSTGRES_USER", "postgres"),
			Password: env("POSTGRES_PASSWORD", "postgres"),
			DBName:   env("POSTGRES_DB", "vizora"),
			Host:     env("POSTGRES_HOST", "postgres"),
			Port:     env("POSTGRES_PORT", "5432"),
			SSLMode:  env("POSTGRES_SSLMODE", "disable"),
		},
		PairingCodeTTL:  envDuration("PAIRING_CODE_TTL", 5*time.Minute),
		AuthTokenTTL:    envDuration("AUTH_TOKEN_TTL", 24*time.Hour),
		ThrottleWindow:  envDuration("PAIRING_THROTTLE_WINDOW", 15*time.Second),
		GuardCooldown:   envDuration("PAIRING_GUARD_COOLDOWN", 2*time.Second),
		LeaseSweepEvery: envDuration("LEASE_SWEEP_INTERVAL", time.Minute),
		StorageTimeout:  envDuration("STORAGE_TIMEOUT", 5*time.Second),
		RateLimitRPS:    10,
		RateLimitBurst:  20,
		AllowedOrigins:  strings.Split(env("ALLOWED_ORIGINS", "*"), ","),
	}
}
