package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every recognized option for the service. All values come from
// the environment; Load applies defaults for the optional ones.
type Config struct {
	Stage       string
	Port        string
	DatabaseURL string

	// Payment gateway
	PaymentAPIKey        string
	PaymentWebhookSecret string
	CheckoutSuccessURL   string
	CheckoutCancelURL    string
	FrontendBaseURL      string

	// Media transport
	MediaAppID          string
	MediaAppCertificate string
	MediaTokenTTL       time.Duration

	// Attach auth
	TokenSecret string

	// Redis fabric (empty addr selects the in-memory fabric)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Session engine
	TimerTickInterval time.Duration
	WarningThreshold  float64 // minutes
}

// Load reads the configuration from the environment. Required options return
// an error when missing so startup fails loudly instead of at first use.
func Load() (*Config, error) {
	cfg := &Config{
		Stage:                getEnv("STAGE", "development"),
		Port:                 getEnv("PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		PaymentAPIKey:        os.Getenv("PAYMENT_API_KEY"),
		PaymentWebhookSecret: os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		FrontendBaseURL:      getEnv("FRONTEND_BASE_URL", "http://localhost:5173"),
		MediaAppID:           os.Getenv("MEDIA_APP_ID"),
		MediaAppCertificate:  os.Getenv("MEDIA_APP_CERTIFICATE"),
		TokenSecret:          os.Getenv("TOKEN_SECRET"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
	}

	cfg.CheckoutSuccessURL = getEnv("CHECKOUT_SUCCESS_URL", cfg.FrontendBaseURL+"/payment-success")
	cfg.CheckoutCancelURL = getEnv("CHECKOUT_CANCEL_URL", cfg.FrontendBaseURL+"/payment-cancelled")

	tickSec, err := getEnvInt("TIMER_TICK_INTERVAL_SEC", 2)
	if err != nil {
		return nil, err
	}
	cfg.TimerTickInterval = time.Duration(tickSec) * time.Second

	warnMin, err := getEnvInt("WARNING_THRESHOLD_MINUTES", 3)
	if err != nil {
		return nil, err
	}
	cfg.WarningThreshold = float64(warnMin)

	ttlSec, err := getEnvInt("MEDIA_TOKEN_TTL_SEC", 7200)
	if err != nil {
		return nil, err
	}
	cfg.MediaTokenTTL = time.Duration(ttlSec) * time.Second

	cfg.RedisDB, err = getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}

	for name, val := range map[string]string{
		"DATABASE_URL":           cfg.DatabaseURL,
		"PAYMENT_API_KEY":        cfg.PaymentAPIKey,
		"PAYMENT_WEBHOOK_SECRET": cfg.PaymentWebhookSecret,
		"TOKEN_SECRET":           cfg.TokenSecret,
	} {
		if val == "" {
			return nil, fmt.Errorf("%s environment variable is required", name)
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q", key, value)
	}
	return n, nil
}
