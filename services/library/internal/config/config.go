package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	LogLevel      string `yaml:"logLevel"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTTTL      string `yaml:"jwtTTL"`

	ReturnIntervalDays        int    `yaml:"returnIntervalDays"`
	FineAmount                string `yaml:"fineAmount"`
	ReservationActiveTimeDays int    `yaml:"reservationActiveTimeDays"`

	SweepSchedule string `yaml:"sweepSchedule"`
	SweepTimezone string `yaml:"sweepTimezone"`

	SMTPHost         string `yaml:"smtpHost"`
	SMTPPort         int    `yaml:"smtpPort"`
	EmailUser        string `yaml:"emailUser"`
	EmailPassword    string `yaml:"emailPassword"`
	MailQueueEnabled bool   `yaml:"mailQueueEnabled"`
	MailWorkers      int    `yaml:"mailWorkers"`

	LoginRateLimitPerMinute int      `yaml:"loginRateLimitPerMinute"`
	TrustedProxies          []string `yaml:"trustedProxies"`
}

const (
	defaultReturnIntervalDays = 7
	defaultFineAmount         = "5.00"
	defaultReservationDays    = 2
	defaultSweepSchedule      = "0 23 * * 1,3,5"
	defaultSweepTimezone      = "America/Sao_Paulo"
	defaultSMTPHost           = "smtp.gmail.com"
	defaultSMTPPort           = 465
	defaultLoginRateLimit     = 10
)

// Load reads config from path. LIBRARY_CONFIG, when set, takes precedence.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if v := os.Getenv("LIBRARY_CONFIG"); v != "" {
		path = v
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	// Override with environment variables
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	} else if v := os.Getenv("SECRET"); v != "" && cfg.JWTSecret == "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("RETURN_INTERVAL_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReturnIntervalDays = n
		}
	}
	if v := os.Getenv("FINE_AMOUNT"); v != "" {
		cfg.FineAmount = v
	}
	if v := os.Getenv("RESERVATION_ACTIVE_TIME_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReservationActiveTimeDays = n
		}
	}
	if v := os.Getenv("SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}
	if v := os.Getenv("SWEEP_TIMEZONE"); v != "" {
		cfg.SweepTimezone = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTPPort = n
		}
	}
	if v := os.Getenv("EMAIL_USER"); v != "" {
		cfg.EmailUser = v
	}
	if v := os.Getenv("EMAIL_PASSWORD"); v != "" {
		cfg.EmailPassword = v
	}
	if v := os.Getenv("MAIL_QUEUE_ENABLED"); v == "true" {
		cfg.MailQueueEnabled = true
	}
	if v := os.Getenv("LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.ReturnIntervalDays == 0 {
		cfg.ReturnIntervalDays = defaultReturnIntervalDays
	}
	if strings.TrimSpace(cfg.FineAmount) == "" {
		cfg.FineAmount = defaultFineAmount
	}
	if cfg.ReservationActiveTimeDays == 0 {
		cfg.ReservationActiveTimeDays = defaultReservationDays
	}
	if strings.TrimSpace(cfg.SweepSchedule) == "" {
		cfg.SweepSchedule = defaultSweepSchedule
	}
	if strings.TrimSpace(cfg.SweepTimezone) == "" {
		cfg.SweepTimezone = defaultSweepTimezone
	}
	if cfg.SMTPHost == "" {
		cfg.SMTPHost = defaultSMTPHost
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = defaultSMTPPort
	}
	if cfg.MailWorkers == 0 {
		cfg.MailWorkers = 2
	}
	if cfg.LoginRateLimitPerMinute == 0 {
		cfg.LoginRateLimitPerMinute = defaultLoginRateLimit
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return errors.New("config: jwtSecret is required (set JWT_SECRET)")
	}
	if cfg.ReturnIntervalDays < 0 || cfg.ReservationActiveTimeDays < 0 {
		return errors.New("config: returnIntervalDays and reservationActiveTimeDays must be > 0")
	}
	amount, err := decimal.NewFromString(cfg.FineAmount)
	if err != nil {
		return fmt.Errorf("config: invalid fineAmount %q", cfg.FineAmount)
	}
	if amount.IsNegative() {
		return errors.New("config: fineAmount must be >= 0")
	}
	if _, err := time.LoadLocation(cfg.SweepTimezone); err != nil {
		return fmt.Errorf("config: invalid sweepTimezone %q: %w", cfg.SweepTimezone, err)
	}
	if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
		return fmt.Errorf("config: invalid sweepSchedule %q: %w", cfg.SweepSchedule, err)
	}
	if _, err := ParseJWTTTL(cfg.JWTTTL); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.MailQueueEnabled && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: mailQueueEnabled requires redisAddr")
	}
	if cfg.SMTPPort < 0 || cfg.MailWorkers < 0 || cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: smtpPort, mailWorkers and loginRateLimitPerMinute must be >= 0")
	}
	return nil
}

// ParseFineAmount returns the configured fine as a decimal.
func ParseFineAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid fineAmount: %w", err)
	}
	return amount, nil
}

// ParseJWTTTL parses optional token lifetime duration string.
func ParseJWTTTL(ttlStr string) (time.Duration, error) {
	if ttlStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(ttlStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtTTL duration: %w", err)
	}
	return dur, nil
}
