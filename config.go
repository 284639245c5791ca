package mailcore

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type AppConfig struct {
	Mode       string
	ImapConfig struct {
		Host          string
		Port          int
		Username      string
		Password      string
		Encryption    string // tls, starttls, none
		Timeout       time.Duration
		IdleTimeout   time.Duration
		MaxRetries    int
		RetryDelay    time.Duration
		MaxPerAccount int
	}
	SmtpConfig struct {
		Host       string
		Port       int
		Username   string
		Password   string
		Encryption string // none, starttls, implicit_ssl
		From       string
		PoolSize   int
		Timeout    time.Duration
	}
}

var config AppConfig

// InitConfig loads the given env file and builds the process-wide
// configuration. SMTP settings are optional; IMAP settings are defaults
// that callers can override per account.
func InitConfig(envfile string) {
	err := godotenv.Load(envfile)
	if err != nil {
		log.Fatal(fmt.Sprintf("Error loading %s file: %s", envfile, err))
	}
	config = AppConfig{
		Mode: GetEnv("RUN_MODE", "prod"),
	}

	config.ImapConfig.Host = GetEnv("IMAP_HOST", "")
	config.ImapConfig.Port = getIntEnvOrDefault("IMAP_PORT", 993)
	config.ImapConfig.Username = GetEnv("IMAP_USERNAME", "")
	config.ImapConfig.Password = GetEnv("IMAP_PASSWORD", "")
	config.ImapConfig.Encryption = GetEnv("IMAP_ENCRYPTION", "tls")
	config.ImapConfig.Timeout = time.Duration(getIntEnvOrDefault("IMAP_TIMEOUT_SECONDS", 30)) * time.Second
	config.ImapConfig.IdleTimeout = time.Duration(getIntEnvOrDefault("IMAP_IDLE_TIMEOUT_SECONDS", 900)) * time.Second
	config.ImapConfig.MaxRetries = getIntEnvOrDefault("IMAP_MAX_RETRIES", 3)
	config.ImapConfig.RetryDelay = time.Duration(getIntEnvOrDefault("IMAP_RETRY_DELAY_SECONDS", 5)) * time.Second
	config.ImapConfig.MaxPerAccount = getIntEnvOrDefault("IMAP_MAX_CONNECTIONS_PER_ACCOUNT", 3)

	config.SmtpConfig.Host = GetEnv("SMTP_HOST", "")
	config.SmtpConfig.Port = getIntEnvOrDefault("SMTP_PORT", 587)
	config.SmtpConfig.Username = GetEnv("SMTP_USERNAME", "")
	config.SmtpConfig.Password = GetEnv("SMTP_PASSWORD", "")
	config.SmtpConfig.Encryption = GetEnv("SMTP_ENCRYPTION", "starttls")
	config.SmtpConfig.From = GetEnv("SMTP_FROM", "")
	config.SmtpConfig.PoolSize = getIntEnvOrDefault("SMTP_POOL_SIZE", 10)
	config.SmtpConfig.Timeout = time.Duration(getIntEnvOrDefault("SMTP_TIMEOUT_SECONDS", 30)) * time.Second

	Logger = initLogger()
}

func GetConfig() AppConfig {
	return config
}

func GetEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return value
}

func initLogger() zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
		NoColor:    false,
		FormatLevel: func(i interface{}) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		},
		FormatMessage: func(i interface{}) string {
			return fmt.Sprintf("  %s  ", i)
		},
		FormatFieldName: func(i interface{}) string {
			return fmt.Sprintf("%s=", i)
		},
		FormatFieldValue: func(i interface{}) string {
			return fmt.Sprintf("%s", i)
		},
	}

	return zerolog.New(output).With().Timestamp().Caller().Logger()
}
