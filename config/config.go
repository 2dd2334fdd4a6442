package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/shinejohn/CRM-CC-LC-sub004/models"
	"github.com/shinejohn/CRM-CC-LC-sub004/utils"
)

var (
	DB        *gorm.DB
	Redis     *redis.Client
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `env:"REDIS_ENABLED" envDefault:"false"`
	Address  string `env:"REDIS_ADDRESS" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type DatabaseConfig struct {
	Host         string `env:"DB_HOST" envDefault:"localhost"`
	Port         string `env:"DB_PORT" envDefault:"5432"`
	User         string `env:"DB_USER" envDefault:"postgres"`
	Password     string `env:"DB_PASSWORD"`
	Name         string `env:"DB_NAME" envDefault:"crm"`
	SSLMode      string `env:"DB_SSL_MODE" envDefault:"disable"`
	MaxIdleConns int    `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	MaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"50"`
}

type SMTPConfig struct {
	Host     string `env:"SMTP_HOST"`
	Port     int    `env:"SMTP_PORT" envDefault:"587"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"FROM_EMAIL" envDefault:"hello@localhost"`
	FromName string `env:"FROM_NAME" envDefault:"CRM"`
}

type GatewayConfig struct {
	SMSURL   string `env:"SMS_GATEWAY_URL"`
	VoiceURL string `env:"VOICE_GATEWAY_URL"`
	Token    string `env:"SMS_GATEWAY_TOKEN"`
	From     string `env:"SMS_FROM"`
}

type PipelineConfig struct {
	EngagementThreshold int `env:"ENGAGEMENT_THRESHOLD" envDefault:"50"`
	TrialDays           int `env:"TRIAL_DAYS" envDefault:"90"`
	OpenPoints          int `env:"ENGAGEMENT_POINTS_OPEN" envDefault:"5"`
	ClickPoints         int `env:"ENGAGEMENT_POINTS_CLICK" envDefault:"10"`
	ReplyPoints         int `env:"ENGAGEMENT_POINTS_REPLY" envDefault:"20"`
}

type FollowupConfig struct {
	ThresholdHours      int    `env:"FOLLOWUP_THRESHOLD_HOURS" envDefault:"48"`
	MaxSMS              int    `env:"FOLLOWUP_MAX_SMS" envDefault:"2"`
	FastEscalationScore int    `env:"FOLLOWUP_FAST_ESCALATION_SCORE" envDefault:"0"`
	EscalationAssignee  string `env:"ESCALATION_ASSIGNEE" envDefault:"sales-team"`
}

type WorkerConfig struct {
	TimelineInterval   time.Duration `env:"TIMELINE_INTERVAL" envDefault:"1m"`
	DayTickInterval    time.Duration `env:"DAY_TICK_INTERVAL" envDefault:"1h"`
	FollowupInterval   time.Duration `env:"FOLLOWUP_INTERVAL" envDefault:"15m"`
	EventRelayInterval time.Duration `env:"EVENT_RELAY_INTERVAL" envDefault:"30s"`
	Concurrency        int           `env:"WORKER_CONCURRENCY" envDefault:"8"`
	CustomerLockTTL    time.Duration `env:"CUSTOMER_LOCK_TTL" envDefault:"5m"`
}

type LogSettings struct {
	Level      string `env:"LOG_LEVEL" envDefault:"info"`
	Format     string `env:"LOG_FORMAT" envDefault:"text"`
	File       string `env:"LOG_FILE"`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	MaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"30"`
	Compress   bool   `env:"LOG_COMPRESS" envDefault:"true"`
}

type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	ServerPort  string `env:"SERVER_PORT" envDefault:"5000"`

	JWTSecret      string   `env:"JWT_SECRET"`
	TrackingSecret string   `env:"TRACKING_SECRET"`
	WebhookSecret  string   `env:"WEBHOOK_SECRET"`
	PublicBaseURL  string   `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:5000"`
	CORSOrigins    []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	SentryDSN         string `env:"SENTRY_DSN"`
	RateLimitWebhooks int    `env:"RATE_LIMIT_WEBHOOKS" envDefault:"120"`

	Database DatabaseConfig
	Redis    RedisConfig
	SMTP     SMTPConfig
	Gateway  GatewayConfig
	Pipeline PipelineConfig
	Followup FollowupConfig
	Workers  WorkerConfig
	Log      LogSettings
}

// Load reads .env when present, then the environment. It does not touch
// the package globals.
func Load() (Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if cfg.TrackingSecret == "" {
		cfg.TrackingSecret = cfg.JWTSecret
	}
	return cfg, nil
}

// LoadConfig loads the configuration into AppConfig
func LoadConfig() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	AppConfig = cfg
	logConfig()
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required"))
	}
	if c.Database.Password == "" && c.Environment == "production" {
		errs = append(errs, errors.New("DB_PASSWORD is required in production"))
	}
	if c.Pipeline.EngagementThreshold < 0 || c.Pipeline.EngagementThreshold > 100 {
		errs = append(errs, fmt.Errorf("ENGAGEMENT_THRESHOLD must be between 0 and 100, got %d", c.Pipeline.EngagementThreshold))
	}
	if c.Followup.ThresholdHours <= 0 {
		errs = append(errs, errors.New("FOLLOWUP_THRESHOLD_HOURS must be positive"))
	}
	if c.Workers.Concurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// ConnectDB opens Postgres, sizes the pool and migrates the schema
func ConnectDB() error {
	log := utils.Log()
	dsn := AppConfig.Database.DSN()
	log.WithField("dsn", maskPassword(dsn)).Info("Connecting to database")

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(AppConfig.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	log.Info("Connected to the database, migrating schema")

	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	DB = db
	return nil
}

// ConnectRedis sets Redis when enabled and leaves it nil otherwise
func ConnectRedis() error {
	if !AppConfig.Redis.Enabled {
		utils.Log().Info("Redis disabled, using in-process locks and rate limits")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     AppConfig.Redis.Address,
		Password: AppConfig.Redis.Password,
		DB:       AppConfig.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	Redis = client
	utils.Log().WithField("address", AppConfig.Redis.Address).Info("Connected to Redis")
	return nil
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	db := AppConfig.Database
	utils.Log().WithFields(map[string]interface{}{
		"environment":    AppConfig.Environment,
		"server_port":    AppConfig.ServerPort,
		"database":       fmt.Sprintf("%s@%s:%s/%s", db.User, db.Host, db.Port, db.Name),
		"redis":          AppConfig.Redis.Enabled,
		"smtp":           AppConfig.SMTP.Host != "",
		"sms_gateway":    AppConfig.Gateway.SMSURL != "",
		"sentry":         AppConfig.SentryDSN != "",
		"threshold":      AppConfig.Pipeline.EngagementThreshold,
		"followup_hours": AppConfig.Followup.ThresholdHours,
	}).Info("Loaded configuration")
}
