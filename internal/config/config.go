package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the service
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	State      StateConfig      `yaml:"state"`
	Graph      GraphConfig      `yaml:"graph"`
	LLM        LLMConfig        `yaml:"llm"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Triage     TriageConfig     `yaml:"triage"`
	WM         WMConfig         `yaml:"working_memory"`
	Digest     DigestConfig     `yaml:"digest"`
	Redis      RedisConfig      `yaml:"redis"`
}

// ServiceConfig holds service-level settings
type ServiceConfig struct {
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	APIAddr             string `yaml:"api_addr"`
	LogLevel            string `yaml:"log_level"`
}

// PollInterval returns the sync loop interval as a duration
func (c ServiceConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StateConfig holds on-disk state locations. All paths resolve under the
// user directory unless overridden individually.
type StateConfig struct {
	UserDir  string `yaml:"user_dir"`
	StateDir string `yaml:"state_dir"`
	DBPath   string `yaml:"db_path"`
}

// ResolveUserDir returns the user directory, defaulting to ~/.aech
func (c StateConfig) ResolveUserDir() string {
	if c.UserDir != "" {
		return c.UserDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aech"
	}
	return filepath.Join(home, ".aech")
}

// ResolveStateDir returns the state directory, defaulting to <user_dir>/state
func (c StateConfig) ResolveStateDir() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	return filepath.Join(c.ResolveUserDir(), "state")
}

// ResolveDBPath returns the database file path, defaulting to <state_dir>/inbox.db
func (c StateConfig) ResolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.ResolveStateDir(), "inbox.db")
}

// TriggerDir returns the outbox directory for emitted triggers
func (c StateConfig) TriggerDir() string {
	return filepath.Join(c.ResolveUserDir(), "triggers")
}

// GraphConfig holds Microsoft Graph API credentials and the mailbox identity
type GraphConfig struct {
	TenantID       string `yaml:"tenant_id"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	DelegatedUser  string `yaml:"delegated_user"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured request timeout as a duration
func (c GraphConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// UserDomain returns the domain part of the delegated user address,
// used to classify contacts as internal.
func (c GraphConfig) UserDomain() string {
	if i := strings.LastIndex(c.DelegatedUser, "@"); i >= 0 {
		return strings.ToLower(c.DelegatedUser[i+1:])
	}
	return ""
}

// LLMConfig holds model identifiers and provider credentials.
// Provider is "openai" or "bedrock".
type LLMConfig struct {
	Provider        string  `yaml:"provider"`
	APIKey          string  `yaml:"api_key"`
	AWSRegion       string  `yaml:"aws_region"`
	AWSAccessKeyID  string  `yaml:"aws_access_key_id"`
	AWSSecretKey    string  `yaml:"aws_secret_access_key"`
	Model           string  `yaml:"model"`
	WMModel         string  `yaml:"wm_model"`
	AlertModel      string  `yaml:"alert_model"`
	RuleParserModel string  `yaml:"rule_parser_model"`
	FactsModel      string  `yaml:"facts_model"`
	MaxTokens       int     `yaml:"max_tokens"`
	Temperature     float32 `yaml:"temperature"`
}

// EmbeddingConfig holds the embedding model settings
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	BatchSize int    `yaml:"batch_size"`
}

// ExtractionConfig holds attachment text-extraction settings
type ExtractionConfig struct {
	Tool           string `yaml:"tool"`
	Workers        int    `yaml:"workers"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-attachment extraction wall clock limit
func (c ExtractionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TriageConfig holds classification and mailbox-action settings.
// Mode is "categories" (label in place) or "folders" (legacy move).
type TriageConfig struct {
	Mode            string   `yaml:"mode"`
	FolderPrefix    string   `yaml:"folder_prefix"`
	CleanupStrategy string   `yaml:"cleanup_strategy"`
	FollowupDays    int      `yaml:"followup_days"`
	VIPSenders      []string `yaml:"vip_senders"`
	Categories      []string `yaml:"categories"`
}

// IsVIP reports whether the given address is on the configured VIP list.
func (c TriageConfig) IsVIP(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, v := range c.VIPSenders {
		if strings.ToLower(strings.TrimSpace(v)) == email {
			return true
		}
	}
	return false
}

// WMConfig holds working-memory maintenance thresholds (days unless noted)
type WMConfig struct {
	StaleThresholdDays       int `yaml:"stale_threshold_days"`
	UrgencyEscalationDays    int `yaml:"urgency_escalation_days"`
	ObservationRetentionDays int `yaml:"observation_retention_days"`
	ReplyNudgeDays           int `yaml:"reply_nudge_days"`
	DecisionNudgeDays        int `yaml:"decision_nudge_days"`
	EngineIntervalMinutes    int `yaml:"engine_interval_minutes"`
}

// EngineInterval returns the maintenance cycle interval as a duration
func (c WMConfig) EngineInterval() time.Duration {
	return time.Duration(c.EngineIntervalMinutes) * time.Minute
}

// DigestConfig holds weekly digest settings
type DigestConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Day       string `yaml:"day"`
	TimeLocal string `yaml:"time_local"`
	Timezone  string `yaml:"timezone"`
}

// RedisConfig holds the optional trigger stream mirror. Empty Addr disables it.
type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Stream string `yaml:"stream"`
}

// Load reads and parses the configuration file. A missing file is not an
// error: defaults apply and environment overrides do the rest.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Set defaults
	if cfg.Service.PollIntervalSeconds == 0 {
		cfg.Service.PollIntervalSeconds = 5
	}
	if cfg.Service.APIAddr == "" {
		cfg.Service.APIAddr = ":8787"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "info"
	}
	if cfg.Graph.TimeoutSeconds == 0 {
		cfg.Graph.TimeoutSeconds = 30
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.WMModel == "" {
		cfg.LLM.WMModel = cfg.LLM.Model
	}
	if cfg.LLM.AlertModel == "" {
		cfg.LLM.AlertModel = cfg.LLM.Model
	}
	if cfg.LLM.RuleParserModel == "" {
		cfg.LLM.RuleParserModel = cfg.LLM.Model
	}
	if cfg.LLM.FactsModel == "" {
		cfg.LLM.FactsModel = cfg.LLM.Model
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 2048
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.1
	}
	if cfg.LLM.AWSRegion == "" {
		cfg.LLM.AWSRegion = "us-east-1"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = cfg.LLM.Provider
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 8
	}
	if cfg.Extraction.Tool == "" {
		cfg.Extraction.Tool = "markitdown"
	}
	if cfg.Extraction.Workers == 0 {
		cfg.Extraction.Workers = 5
	}
	if cfg.Extraction.TimeoutSeconds == 0 {
		cfg.Extraction.TimeoutSeconds = 60
	}
	if cfg.Triage.Mode == "" {
		cfg.Triage.Mode = "categories"
	}
	if cfg.Triage.FolderPrefix == "" {
		cfg.Triage.FolderPrefix = "aa_"
	}
	if cfg.Triage.CleanupStrategy == "" {
		cfg.Triage.CleanupStrategy = "medium"
	}
	if cfg.Triage.FollowupDays == 0 {
		cfg.Triage.FollowupDays = 2
	}
	if len(cfg.Triage.Categories) == 0 {
		cfg.Triage.Categories = []string{
			"Urgent", "Action Required", "Meetings", "Waiting", "FYI", "Newsletters", "Should Delete",
		}
	}
	if cfg.WM.StaleThresholdDays == 0 {
		cfg.WM.StaleThresholdDays = 3
	}
	if cfg.WM.UrgencyEscalationDays == 0 {
		cfg.WM.UrgencyEscalationDays = 2
	}
	if cfg.WM.ObservationRetentionDays == 0 {
		cfg.WM.ObservationRetentionDays = 30
	}
	if cfg.WM.ReplyNudgeDays == 0 {
		cfg.WM.ReplyNudgeDays = 2
	}
	if cfg.WM.DecisionNudgeDays == 0 {
		cfg.WM.DecisionNudgeDays = 3
	}
	if cfg.WM.EngineIntervalMinutes == 0 {
		cfg.WM.EngineIntervalMinutes = 15
	}
	if cfg.Digest.Day == "" {
		cfg.Digest.Day = "Sunday"
	}
	if cfg.Digest.TimeLocal == "" {
		cfg.Digest.TimeLocal = "17:00"
	}
	if cfg.Digest.Timezone == "" {
		cfg.Digest.Timezone = "UTC"
	}
	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = "inbox:triggers"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads .env files first (working directory, then ~/.aech/.env) so
// secrets can live next to the state directory during development.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()
	if home, err := os.UserHomeDir(); err == nil {
		_ = godotenv.Load(filepath.Join(home, ".aech", ".env"))
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// State locations
	if v := os.Getenv("AECH_USER_DIR"); v != "" {
		cfg.State.UserDir = v
	}
	if v := os.Getenv("INBOX_STATE_DIR"); v != "" {
		cfg.State.StateDir = v
	}
	if v := os.Getenv("INBOX_DB_PATH"); v != "" {
		cfg.State.DBPath = v
	}

	// Mailbox identity and Graph credentials
	if v := os.Getenv("DELEGATED_USER"); v != "" {
		cfg.Graph.DelegatedUser = v
	}
	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		cfg.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		cfg.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		cfg.Graph.ClientSecret = v
	}

	// Service
	if v := envInt("POLL_INTERVAL"); v > 0 {
		cfg.Service.PollIntervalSeconds = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Service.APIAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Service.LogLevel = v
	}

	// LLM
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.LLM.AWSRegion = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.LLM.AWSAccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.LLM.AWSSecretKey = v
	}
	if v := os.Getenv("MODEL_NAME"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("WM_MODEL"); v != "" {
		cfg.LLM.WMModel = v
	}
	if v := os.Getenv("ALERT_MODEL"); v != "" {
		cfg.LLM.AlertModel = v
	}
	if v := os.Getenv("RULE_PARSER_MODEL"); v != "" {
		cfg.LLM.RuleParserModel = v
	}
	if v := os.Getenv("FACTS_MODEL"); v != "" {
		cfg.LLM.FactsModel = v
	}

	// Embedding
	if v := os.Getenv("EMBEDDING_PROVIDER"); v != "" {
		cfg.Embedding.Provider = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := envInt("EMBEDDING_BATCH_SIZE"); v > 0 {
		cfg.Embedding.BatchSize = v
	}

	// Extraction
	if v := os.Getenv("EXTRACT_TOOL"); v != "" {
		cfg.Extraction.Tool = v
	}
	if v := envInt("EXTRACT_WORKERS"); v > 0 {
		cfg.Extraction.Workers = v
	}

	// Triage
	if v := os.Getenv("TRIAGE_MODE"); v != "" {
		cfg.Triage.Mode = v
	}
	if v := os.Getenv("FOLDER_PREFIX"); v != "" {
		cfg.Triage.FolderPrefix = v
	}
	if v := os.Getenv("CLEANUP_STRATEGY"); v != "" {
		cfg.Triage.CleanupStrategy = v
	}
	if v := envInt("FOLLOWUP_N_DAYS"); v > 0 {
		cfg.Triage.FollowupDays = v
	}
	if v := os.Getenv("VIP_SENDERS"); v != "" {
		cfg.Triage.VIPSenders = splitList(v)
	}

	// Working memory
	if v := envInt("WM_STALE_THRESHOLD_DAYS"); v > 0 {
		cfg.WM.StaleThresholdDays = v
	}
	if v := envInt("WM_URGENCY_ESCALATION_DAYS"); v > 0 {
		cfg.WM.UrgencyEscalationDays = v
	}
	if v := envInt("WM_OBSERVATION_RETENTION_DAYS"); v > 0 {
		cfg.WM.ObservationRetentionDays = v
	}
	if v := envInt("WM_REPLY_NUDGE_DAYS"); v > 0 {
		cfg.WM.ReplyNudgeDays = v
	}
	if v := envInt("WM_DECISION_NUDGE_DAYS"); v > 0 {
		cfg.WM.DecisionNudgeDays = v
	}
	if v := envInt("ENGINE_INTERVAL"); v > 0 {
		cfg.WM.EngineIntervalMinutes = v
	}

	// Digest
	if v := os.Getenv("ENABLE_WEEKLY_DIGEST"); v != "" {
		cfg.Digest.Enabled = envBool("ENABLE_WEEKLY_DIGEST")
	}
	if v := os.Getenv("DIGEST_DAY"); v != "" {
		cfg.Digest.Day = v
	}
	if v := os.Getenv("DIGEST_TIME_LOCAL"); v != "" {
		cfg.Digest.TimeLocal = v
	}
	if v := os.Getenv("DEFAULT_TIMEZONE"); v != "" {
		cfg.Digest.Timezone = v
	}

	// Redis mirror
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}

	return cfg, nil
}

// Validate checks for configuration that the service cannot run without.
func (c *Config) Validate() error {
	if c.Graph.DelegatedUser == "" {
		return fmt.Errorf("DELEGATED_USER is required: set the mailbox identity to operate on")
	}
	switch c.Triage.Mode {
	case "categories", "folders":
	default:
		return fmt.Errorf("invalid triage mode %q (want categories or folders)", c.Triage.Mode)
	}
	switch c.Triage.CleanupStrategy {
	case "low", "medium", "aggressive":
	default:
		return fmt.Errorf("invalid cleanup strategy %q (want low, medium or aggressive)", c.Triage.CleanupStrategy)
	}
	return nil
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
