package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	Port         string
	DatabasePath string
	LogLevel     string
	JWTSecret    string

	MaxUploadSizeBytes int64

	// AI mapping adapter settings. The adapter is an external collaborator;
	// a missing URL makes the engine fall back to a stub that always fails
	// soft (batch parks at PENDING).
	AIMapperURL     string
	AIMapperAPIKey  string
	AIMapperTimeout time.Duration

	// AlwaysReviewAIMappings keeps every AI-proposed mapping behind the
	// human review gate regardless of its confidence. Deliberate safety
	// policy; do not flip casually.
	AlwaysReviewAIMappings bool

	EmailServiceProvider string

	MailgunDomain        string
	MailgunPrivateAPIKey string

	SenderEmail string
	SenderName  string

	ReviewNotificationBaseURL string
}

var Cfg *AppConfig

func LoadConfig() {
	errEnv := godotenv.Load()
	if errEnv != nil {
		log.Println("Info: No .env file found or error loading .env file. Relying on OS environment variables and defaults. Error (if any):", errEnv)
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")

	jwtSecret := getEnv("JWT_SECRET", "your-very-secure-and-long-jwt-secret-key-for-hs256-minimum-32-bytes")
	if jwtSecret == "your-very-secure-and-long-jwt-secret-key-for-hs256-minimum-32-bytes" {
		log.Println("WARNING: Using default insecure JWT_SECRET. Set JWT_SECRET environment variable for production.")
	}

	maxUploadSizeBytesStr := getEnv("MAX_UPLOAD_SIZE_BYTES", "104857600")
	maxUploadSizeBytes, err := strconv.ParseInt(maxUploadSizeBytesStr, 10, 64)
	if err != nil {
		log.Printf("WARNING: Invalid MAX_UPLOAD_SIZE_BYTES format '%s'. Using default 100MB. Error: %v", maxUploadSizeBytesStr, err)
		maxUploadSizeBytes = 100 * 1024 * 1024
	}

	aiMapperTimeout := getEnvAsDuration("AI_MAPPER_TIMEOUT", 30*time.Second)

	alwaysReviewStr := getEnv("ALWAYS_REVIEW_AI_MAPPINGS", "true")
	alwaysReview, err := strconv.ParseBool(alwaysReviewStr)
	if err != nil {
		log.Printf("WARNING: Invalid ALWAYS_REVIEW_AI_MAPPINGS value '%s'. Using default true. Error: %v", alwaysReviewStr, err)
		alwaysReview = true
	}

	Cfg = &AppConfig{
		Port:         getEnv("PORT", "8080"),
		DatabasePath: getEnv("DATABASE_PATH", "./tradevault.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		JWTSecret:    jwtSecret,

		MaxUploadSizeBytes: maxUploadSizeBytes,

		AIMapperURL:     getEnv("AI_MAPPER_URL", ""),
		AIMapperAPIKey:  getEnv("AI_MAPPER_API_KEY", ""),
		AIMapperTimeout: aiMapperTimeout,

		AlwaysReviewAIMappings: alwaysReview,

		EmailServiceProvider: getEnv("EMAIL_SERVICE_PROVIDER", "mock"),

		MailgunDomain:        getEnv("MAILGUN_DOMAIN", ""),
		MailgunPrivateAPIKey: getEnv("MAILGUN_PRIVATE_API_KEY", ""),

		SenderEmail: getEnv("SENDER_EMAIL", "noreply@example.com"),
		SenderName:  getEnv("SENDER_NAME", "TradeVault App"),

		ReviewNotificationBaseURL: getEnv("REVIEW_NOTIFICATION_BASE_URL", "http://localhost:3000/imports"),
	}

	if Cfg.EmailServiceProvider == "mailgun" {
		if Cfg.MailgunDomain == "" {
			log.Fatalf("FATAL: MAILGUN_DOMAIN is required when EMAIL_SERVICE_PROVIDER is 'mailgun', but it's not set in environment or .env file.")
		}
		if Cfg.MailgunPrivateAPIKey == "" {
			log.Fatalf("FATAL: MAILGUN_PRIVATE_API_KEY is required when EMAIL_SERVICE_PROVIDER is 'mailgun', but it's not set in environment or .env file.")
		}
	}

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, AIMapper=%t, EmailProvider=%s",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabasePath, Cfg.AIMapperURL != "", Cfg.EmailServiceProvider)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Environment variable %s not set, using default: %s", key, fallback)
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		log.Printf("Duration value for %s not set or empty, using default: %s", key, fallback.String())
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid duration value for %s ('%s'), using default: %s", key, valueStr, fallback.String())
	return fallback
}
