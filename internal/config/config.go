package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "GLSYNC"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabaseDSN   = "glsync.db"
	defaultDatabaseKind  = "sqlite"
	defaultLogLevel      = "info"
	defaultTokenIssuer   = "glsync"
	defaultTokenAudience = "glsync-ops"
	defaultTokenTTL      = 12 * time.Hour
	defaultAWSRegion     = "us-east-1"
	defaultQBOBaseURL    = "https://quickbooks.api.intuit.com"
	defaultQBOTokenURL   = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	defaultQBOAuthURL    = "https://appcenter.intuit.com/connect/oauth2"
	defaultZuoraBaseURL  = "https://rest.zuora.com"
)

// AppConfig captures runtime configuration for the sync service.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string

	DatabaseDriver string
	DatabaseDSN    string

	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration

	AWSRegion      string
	AWSEndpoint    string
	SNSTopicARN    string
	BatchJobQueue  string
	JobDefinitions map[string]string

	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	WorkerLease        time.Duration

	SyncInterval      time.Duration
	InitAllEvery      time.Duration
	PublishEvery      time.Duration
	PublishPerOrg     bool
	PollJobsEvery     time.Duration
	APITimeout        time.Duration
	QBOClientID       string
	QBOClientSecret   string
	QBOBaseURL        string
	QBOTokenURL       string
	QBOAuthURL        string
	QBOMinorVersion   string
	ZuoraBaseURL      string
	HeartbeatInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.heartbeat", 25*time.Second)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("database.driver", defaultDatabaseKind)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)

	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)

	configViper.SetDefault("aws.region", defaultAWSRegion)
	configViper.SetDefault("batch.definitions.sync", "gl-sync")
	configViper.SetDefault("batch.definitions.cleanup", "gl-cleanup")
	configViper.SetDefault("batch.definitions.replay", "gl-replay")

	configViper.SetDefault("worker.concurrency", 8)
	configViper.SetDefault("worker.poll_interval", time.Second)
	configViper.SetDefault("worker.lease", 5*time.Minute)

	configViper.SetDefault("schedule.sync_interval", 60*time.Minute)
	configViper.SetDefault("schedule.init_all_every", 10*time.Minute)
	configViper.SetDefault("schedule.publish_every", 15*time.Minute)
	configViper.SetDefault("schedule.publish_per_org", false)
	configViper.SetDefault("schedule.poll_jobs_every", 5*time.Minute)

	configViper.SetDefault("providers.timeout", 60*time.Second)
	configViper.SetDefault("providers.qbo.base_url", defaultQBOBaseURL)
	configViper.SetDefault("providers.qbo.token_url", defaultQBOTokenURL)
	configViper.SetDefault("providers.qbo.auth_url", defaultQBOAuthURL)
	configViper.SetDefault("providers.zuora.base_url", defaultZuoraBaseURL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		LogLevel:       configViper.GetString("log.level"),

		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),

		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("auth.issuer"),
		TokenAudience: configViper.GetString("auth.audience"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),

		AWSRegion:     configViper.GetString("aws.region"),
		AWSEndpoint:   configViper.GetString("aws.endpoint"),
		SNSTopicARN:   configViper.GetString("sns.topic_arn"),
		BatchJobQueue: configViper.GetString("batch.job_queue"),
		JobDefinitions: map[string]string{
			"sync":    configViper.GetString("batch.definitions.sync"),
			"cleanup": configViper.GetString("batch.definitions.cleanup"),
			"replay":  configViper.GetString("batch.definitions.replay"),
		},

		WorkerConcurrency:  configViper.GetInt("worker.concurrency"),
		WorkerPollInterval: configViper.GetDuration("worker.poll_interval"),
		WorkerLease:        configViper.GetDuration("worker.lease"),

		SyncInterval:      configViper.GetDuration("schedule.sync_interval"),
		InitAllEvery:      configViper.GetDuration("schedule.init_all_every"),
		PublishEvery:      configViper.GetDuration("schedule.publish_every"),
		PublishPerOrg:     configViper.GetBool("schedule.publish_per_org"),
		PollJobsEvery:     configViper.GetDuration("schedule.poll_jobs_every"),
		APITimeout:        configViper.GetDuration("providers.timeout"),
		QBOClientID:       configViper.GetString("providers.qbo.client_id"),
		QBOClientSecret:   configViper.GetString("providers.qbo.client_secret"),
		QBOBaseURL:        configViper.GetString("providers.qbo.base_url"),
		QBOTokenURL:       configViper.GetString("providers.qbo.token_url"),
		QBOAuthURL:        configViper.GetString("providers.qbo.auth_url"),
		QBOMinorVersion:   configViper.GetString("providers.qbo.minor_version"),
		ZuoraBaseURL:      configViper.GetString("providers.zuora.base_url"),
		HeartbeatInterval: configViper.GetDuration("http.heartbeat"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadAuth parses only what the token command needs.
func LoadAuth(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("auth.issuer"),
		TokenAudience: configViper.GetString("auth.audience"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		LogLevel:      configViper.GetString("log.level"),
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return AppConfig{}, fmt.Errorf("auth.signing_secret is required")
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.BatchJobQueue) == "" {
		return fmt.Errorf("batch.job_queue is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("schedule.sync_interval must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	return nil
}
