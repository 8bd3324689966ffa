package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	Env                   string
	LogLevel              string
	DatabaseDriver        string
	DatabaseDSN           string
	JWTSecret             string
	AccessTokenTTLMinutes int
	AuthTimeout           time.Duration
	DeliveryTimeout       time.Duration
	MaxMessageBytes       int64
	MaxContentChars       int
	SendBuffer            int
	SendRateRPS           float64
	SendRateBurst         int
	KnownUsersOnly        bool
	HTTPRateRPS           float64
	HTTPRateBurst         int
	CORSAllowedOrigins    []string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getint 解析正整数，非法或非正值回退到默认值。
func getint(key string, def int) int {
	n, err := strconv.Atoi(getenv(key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getfloat(key string, def float64) float64 {
	f, err := strconv.ParseFloat(getenv(key, ""), 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func getbool(key string, def bool) bool {
	b, err := strconv.ParseBool(getenv(key, ""))
	if err != nil {
		return def
	}
	return b
}

// getlist 解析逗号分隔的列表，忽略空项。
func getlist(key string) []string {
	var out []string
	for _, v := range strings.Split(getenv(key, ""), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func Load() Config {
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		Env:                   getenv("APP_ENV", "dev"),
		LogLevel:              strings.ToLower(getenv("LOG_LEVEL", "info")),
		DatabaseDriver:        strings.ToLower(getenv("DATABASE_DRIVER", "postgres")),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=medconnect port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		AccessTokenTTLMinutes: getint("ACCESS_TOKEN_TTL_MINUTES", 60),
		AuthTimeout:           time.Duration(getint("AUTH_TIMEOUT_SECONDS", 10)) * time.Second,
		DeliveryTimeout:       time.Duration(getint("DELIVERY_TIMEOUT_MS", 5000)) * time.Millisecond,
		MaxMessageBytes:       int64(getint("MAX_MESSAGE_BYTES", 64<<10)),
		MaxContentChars:       getint("MAX_CONTENT_CHARS", 4000),
		SendBuffer:            getint("SEND_BUFFER", 256),
		SendRateRPS:           getfloat("SEND_RATE_RPS", 10),
		SendRateBurst:         getint("SEND_RATE_BURST", 20),
		KnownUsersOnly:        getbool("KNOWN_USERS_ONLY", true),
		HTTPRateRPS:           getfloat("HTTP_RATE_RPS", 20),
		HTTPRateBurst:         getint("HTTP_RATE_BURST", 40),
		CORSAllowedOrigins:    getlist("CORS_ALLOWED_ORIGINS"),
	}
}

// Validate 在启动前拒绝不安全或不完整的配置。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("APP_PORT must not be empty")
	}
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		return errors.New("DATABASE_DSN must not be empty")
	}
	switch cfg.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return errors.New("DATABASE_DRIVER must be postgres or sqlite")
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed outside dev")
	}
	if cfg.AuthTimeout <= 0 || cfg.DeliveryTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.SendBuffer <= 0 || cfg.SendRateBurst <= 0 {
		return errors.New("SEND_BUFFER and SEND_RATE_BURST must be > 0")
	}
	if cfg.HTTPRateRPS <= 0 || cfg.HTTPRateBurst <= 0 {
		return errors.New("HTTP_RATE_RPS and HTTP_RATE_BURST must be > 0")
	}
	return nil
}
