package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable, e.g. CHAT_STATE_TABLE.
const Prefix = "CHAT"

// Quota state backends. sqlite is only correct when a single process serves
// every request for a user, e.g. local development.
const (
	QuotaStoreDynamoDB = "dynamodb"
	QuotaStoreSQLite   = "sqlite"
)

// Config holds the settings for both the Lambda and chatctl. It is read only
// in cmd/.
type Config struct {
	StateTable string `envconfig:"STATE_TABLE" required:"true"`

	// Completion service. An empty token parameter puts the generator in
	// fallback mode.
	OpenAITokenParam string  `envconfig:"OPENAI_TOKEN_PARAM" default:""`
	OpenAIModel      string  `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIBaseURL    string  `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAIMaxTokens  int     `envconfig:"OPENAI_MAX_TOKENS" default:"300"`
	Temperature      float64 `envconfig:"TEMPERATURE" default:"0.8"`
	HistoryWindow    int     `envconfig:"HISTORY_WINDOW" default:"10"`

	QuotaStore  string `envconfig:"QUOTA_STORE" default:"dynamodb"`
	LocalDBPath string `envconfig:"LOCAL_DB_PATH" default:"chat-local.db"`
	DailyLimit  int    `envconfig:"DAILY_LIMIT" default:"10"`
	TimeZone    string `envconfig:"TIME_ZONE" default:"UTC"`

	// Zero marks the conversation read before the send returns. A Lambda
	// environment may be frozen before a delayed timer fires.
	MarkReadDelay time.Duration `envconfig:"MARK_READ_DELAY" default:"0s"`

	// TrustUserHeader accepts X-User-Id when no authorizer principal is
	// present. Only for deployments behind a trusted proxy.
	TrustUserHeader bool `envconfig:"TRUST_USER_HEADER" default:"false"`

	OutreachMinInterval time.Duration `envconfig:"OUTREACH_MIN_INTERVAL" default:"24h"`
	OutreachMaxPerDay   int           `envconfig:"OUTREACH_MAX_PER_DAY" default:"5"`
	OutreachOdds        int           `envconfig:"OUTREACH_ODDS" default:"3"`

	ParamRetries int `envconfig:"PARAM_RETRIES" default:"2"`
}

// New parses the environment and validates the result.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.StateTable) == "" {
		return errors.New("config: STATE_TABLE must not be empty")
	}
	if c.DailyLimit <= 0 {
		return fmt.Errorf("config: DAILY_LIMIT must be positive, got %d", c.DailyLimit)
	}
	if c.HistoryWindow < 0 {
		return fmt.Errorf("config: HISTORY_WINDOW must not be negative, got %d", c.HistoryWindow)
	}
	if c.OutreachMaxPerDay < 0 || c.OutreachOdds < 1 {
		return errors.New("config: outreach limits out of range")
	}
	switch c.QuotaStore {
	case QuotaStoreDynamoDB, QuotaStoreSQLite:
	default:
		return fmt.Errorf("config: QUOTA_STORE must be %q or %q, got %q", QuotaStoreDynamoDB, QuotaStoreSQLite, c.QuotaStore)
	}
	if c.MarkReadDelay < 0 {
		return fmt.Errorf("config: MARK_READ_DELAY must not be negative, got %s", c.MarkReadDelay)
	}
	if c.ParamRetries < 0 {
		return fmt.Errorf("config: PARAM_RETRIES must not be negative, got %d", c.ParamRetries)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves TimeZone, which decides where a calendar day starts.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("config: TIME_ZONE %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// FallbackMode reports whether replies come from the built-in catalogue.
func (c *Config) FallbackMode() bool {
	return strings.TrimSpace(c.OpenAITokenParam) == ""
}
