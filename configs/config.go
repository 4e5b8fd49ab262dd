package config

import (
	"os"
	"strconv"
)

// Config holds the application configuration
type Config struct {
	Port        string
	Environment string

	// API access
	APIKey        string // X-API-KEY for the staff surface
	CronSecret    string // bearer token for the sweep/monitor triggers
	AdminUsername string
	AdminPassword string

	// Persistence; empty selects the in-memory store
	DatabaseURL string

	// External integrations
	GatewayURL     string
	GatewayToken   string
	PharmacyURL    string
	EHRExportURL   string
	EHRExportToken string

	// Orchestration tuning
	SweepGraceMinutes   int
	SendTimeoutSeconds  int
	DowngradeStreak     int
	AdherenceWindowDays int
	AdherenceThreshold  float64
	SLAHighMinutes      int
	SLAMediumMinutes    int
	SLALowMinutes       int
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		APIKey:        getEnv("API_KEY", "default_secret_key"),
		CronSecret:    getEnv("CRON_SECRET", ""),
		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		GatewayURL:     getEnv("NOTIFICATION_GATEWAY_URL", ""),
		GatewayToken:   getEnv("NOTIFICATION_GATEWAY_TOKEN", ""),
		PharmacyURL:    getEnv("PHARMACY_API_URL", ""),
		EHRExportURL:   getEnv("EHR_EXPORT_URL", ""),
		EHRExportToken: getEnv("EHR_EXPORT_TOKEN", ""),

		SweepGraceMinutes:   getEnvInt("SWEEP_GRACE_MINUTES", 120),
		SendTimeoutSeconds:  getEnvInt("SEND_TIMEOUT_SECONDS", 10),
		DowngradeStreak:     getEnvInt("DOWNGRADE_STREAK", 3),
		AdherenceWindowDays: getEnvInt("ADHERENCE_WINDOW_DAYS", 7),
		AdherenceThreshold:  getEnvFloat("ADHERENCE_THRESHOLD", 0.8),
		SLAHighMinutes:      getEnvInt("SLA_HIGH_MINUTES", 60),
		SLAMediumMinutes:    getEnvInt("SLA_MEDIUM_MINUTES", 240),
		SLALowMinutes:       getEnvInt("SLA_LOW_MINUTES", 1440),
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}
