package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"venue-connector/internal/core"
	"venue-connector/internal/dispatcher"
	"venue-connector/internal/exchange/kraken"
)

type StoreBackend string

const (
	BackendFile   StoreBackend = "file"
	BackendPebble StoreBackend = "pebble"
)

// EnvPrefix is prepended to upper-cased config keys for environment overrides,
// e.g. CONNECTOR_VENUE_API_SECRET.
const EnvPrefix = "CONNECTOR"

type Config struct {
	InstanceID     string               `yaml:"instance_id"`
	Venue          VenueConfig          `yaml:"venue"`
	Dispatcher     DispatcherConfig     `yaml:"dispatcher"`
	Reconcile      ReconcileConfig      `yaml:"reconcile"`
	Ledger         LedgerConfig         `yaml:"ledger"`
	Tracker        TrackerConfig        `yaml:"tracker"`
	TimeSync       TimeSyncConfig       `yaml:"time_sync"`
	Rules          []RuleOverride       `yaml:"rules"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type VenueConfig struct {
	Name           string `yaml:"name"`
	APIKey         string `yaml:"api_key"`
	APISecret      string `yaml:"api_secret"`
	RestBaseURL    string `yaml:"rest_base_url"`
	WSBaseURL      string `yaml:"ws_base_url"`
	Tier           string `yaml:"tier"`
	HTTPTimeoutSec int64  `yaml:"http_timeout_sec"`
	WSPingSec      int64  `yaml:"ws_ping_sec"`
}

type DispatcherConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryIntervalMs   int64         `yaml:"retry_interval_ms"`
	RequestTimeoutSec int64         `yaml:"request_timeout_sec"`
	Limits            []LimitConfig `yaml:"limits"`
}

// LimitConfig overrides the tier's window for one endpoint.
type LimitConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Requests  int    `yaml:"requests"`
	WindowSec int64  `yaml:"window_sec"`
}

type ReconcileConfig struct {
	PollIntervalSec  int64 `yaml:"poll_interval_sec"`
	QueryBatch       int   `yaml:"query_batch"`
	UnmatchedBuffer  int   `yaml:"unmatched_buffer"`
	PendingGraceSec  int64 `yaml:"pending_grace_sec"`
	MaxPendingMisses int   `yaml:"max_pending_misses"`
}

type LedgerConfig struct {
	RefreshIntervalSec int64 `yaml:"refresh_interval_sec"`
}

type TrackerConfig struct {
	HistorySize int `yaml:"history_size"`
}

type TimeSyncConfig struct {
	IntervalSec int64 `yaml:"interval_sec"`
}

// RuleOverride raises a pair's venue minimums; it never loosens them.
type RuleOverride struct {
	Pair        string  `yaml:"pair"`
	MinAmount   Decimal `yaml:"min_amount"`
	MinNotional Decimal `yaml:"min_notional"`
}

type StateConfig struct {
	Dir                string       `yaml:"dir"`
	Backend            StoreBackend `yaml:"backend"`
	PersistIntervalSec int64        `yaml:"persist_interval_sec"`
	LockTakeover       *bool        `yaml:"lock_takeover"`
	LockStaleSec       int64        `yaml:"lock_stale_sec"`
}

type CircuitBreakerConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MaxPlaceFailures     int   `yaml:"max_place_failures"`
	MaxCancelFailures    int   `yaml:"max_cancel_failures"`
	MaxReconnectFailures int   `yaml:"max_reconnect_failures"`
	ReconnectCooldownSec int64 `yaml:"reconnect_cooldown_sec"`
	ReconnectProbePasses int   `yaml:"reconnect_probe_passes"`
}

type ObservabilityConfig struct {
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	HeartbeatSec       int64 `yaml:"heartbeat_sec"`
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes a single YAML document, overlays CONNECTOR_* environment
// variables, fills defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.applyEnv(newEnv())
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newEnv() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// applyEnv overrides secrets and deployment-specific settings from the environment.
func (c *Config) applyEnv(v *viper.Viper) {
	text := map[string]*string{
		"instance_id":                       &c.InstanceID,
		"venue.api_key":                     &c.Venue.APIKey,
		"venue.api_secret":                  &c.Venue.APISecret,
		"venue.rest_base_url":               &c.Venue.RestBaseURL,
		"venue.ws_base_url":                 &c.Venue.WSBaseURL,
		"venue.tier":                        &c.Venue.Tier,
		"state.dir":                         &c.State.Dir,
		"observability.log.level":           &c.Observability.Log.Level,
		"observability.log.output":          &c.Observability.Log.Output,
		"observability.metrics.listen_addr": &c.Observability.Metrics.ListenAddr,
		"observability.telegram.bot_token":  &c.Observability.Telegram.BotToken,
		"observability.telegram.chat_id":    &c.Observability.Telegram.ChatID,
	}
	for key, dst := range text {
		if val := v.GetString(key); val != "" {
			*dst = val
		}
	}
	if val := v.GetString("state.backend"); val != "" {
		c.State.Backend = StoreBackend(val)
	}
	if v.IsSet("observability.telegram.enabled") {
		c.Observability.Telegram.Enabled = v.GetBool("observability.telegram.enabled")
	}
	if v.IsSet("observability.metrics.enabled") {
		c.Observability.Metrics.Enabled = v.GetBool("observability.metrics.enabled")
	}
}

func (c *Config) normalize() {
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Venue.Name = strings.ToLower(strings.TrimSpace(c.Venue.Name))
	c.Venue.APIKey = strings.TrimSpace(c.Venue.APIKey)
	c.Venue.APISecret = strings.TrimSpace(c.Venue.APISecret)
	c.Venue.RestBaseURL = strings.TrimRight(strings.TrimSpace(c.Venue.RestBaseURL), "/")
	c.Venue.WSBaseURL = strings.TrimSpace(c.Venue.WSBaseURL)
	c.Venue.Tier = strings.ToLower(strings.TrimSpace(c.Venue.Tier))
	for i := range c.Dispatcher.Limits {
		c.Dispatcher.Limits[i].Endpoint = strings.TrimSpace(c.Dispatcher.Limits[i].Endpoint)
	}
	for i := range c.Rules {
		c.Rules[i].Pair = strings.ToUpper(strings.TrimSpace(c.Rules[i].Pair))
	}
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.State.Backend = StoreBackend(strings.ToLower(strings.TrimSpace(string(c.State.Backend))))
	c.Observability.Log.Level = strings.ToLower(strings.TrimSpace(c.Observability.Log.Level))
	c.Observability.Log.Format = strings.ToLower(strings.TrimSpace(c.Observability.Log.Format))
	c.Observability.Log.Output = strings.TrimSpace(c.Observability.Log.Output)
	c.Observability.Metrics.ListenAddr = strings.TrimSpace(c.Observability.Metrics.ListenAddr)
	c.Observability.Metrics.Path = strings.TrimSpace(c.Observability.Metrics.Path)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Venue.Name == "" {
		c.Venue.Name = "kraken"
	}
	if c.Venue.RestBaseURL == "" {
		c.Venue.RestBaseURL = "https://api.kraken.com"
	}
	if c.Venue.WSBaseURL == "" {
		c.Venue.WSBaseURL = "wss://ws-auth.kraken.com"
	}
	if c.Venue.Tier == "" {
		c.Venue.Tier = kraken.TierStarter
	}
	if c.Venue.HTTPTimeoutSec == 0 {
		c.Venue.HTTPTimeoutSec = 15
	}
	if c.Venue.WSPingSec == 0 {
		c.Venue.WSPingSec = 30
	}
	if c.Dispatcher.MaxAttempts == 0 {
		c.Dispatcher.MaxAttempts = 3
	}
	if c.Dispatcher.RetryIntervalMs == 0 {
		c.Dispatcher.RetryIntervalMs = 2000
	}
	if c.Dispatcher.RequestTimeoutSec == 0 {
		c.Dispatcher.RequestTimeoutSec = 30
	}
	if c.Reconcile.PollIntervalSec == 0 {
		c.Reconcile.PollIntervalSec = 30
	}
	if c.Reconcile.QueryBatch == 0 {
		c.Reconcile.QueryBatch = 20
	}
	if c.Reconcile.UnmatchedBuffer == 0 {
		c.Reconcile.UnmatchedBuffer = 256
	}
	if c.Reconcile.PendingGraceSec == 0 {
		c.Reconcile.PendingGraceSec = 15
	}
	if c.Reconcile.MaxPendingMisses == 0 {
		c.Reconcile.MaxPendingMisses = 3
	}
	if c.Ledger.RefreshIntervalSec == 0 {
		c.Ledger.RefreshIntervalSec = 60
	}
	if c.Tracker.HistorySize == 0 {
		c.Tracker.HistorySize = 1000
	}
	if c.TimeSync.IntervalSec == 0 {
		c.TimeSync.IntervalSec = 300
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.Backend == "" {
		c.State.Backend = BackendFile
	}
	if c.State.PersistIntervalSec == 0 {
		c.State.PersistIntervalSec = 1
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.MaxReconnectFailures == 0 {
		c.CircuitBreaker.MaxReconnectFailures = 10
	}
	if c.CircuitBreaker.ReconnectCooldownSec == 0 {
		c.CircuitBreaker.ReconnectCooldownSec = 30
	}
	if c.CircuitBreaker.ReconnectProbePasses == 0 {
		c.CircuitBreaker.ReconnectProbePasses = 1
	}
	if c.Observability.Log.Level == "" {
		c.Observability.Log.Level = "info"
	}
	if c.Observability.Log.Format == "" {
		c.Observability.Log.Format = "text"
	}
	if c.Observability.Log.Output == "" {
		c.Observability.Log.Output = "stdout"
	}
	if c.Observability.Log.MaxSizeMB == 0 {
		c.Observability.Log.MaxSizeMB = 100
	}
	if c.Observability.Log.MaxBackups == 0 {
		c.Observability.Log.MaxBackups = 5
	}
	if c.Observability.Log.MaxAgeDays == 0 {
		c.Observability.Log.MaxAgeDays = 14
	}
	if c.Observability.Metrics.ListenAddr == "" {
		c.Observability.Metrics.ListenAddr = ":9108"
	}
	if c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.HeartbeatSec == 0 {
		c.Observability.Runtime.HeartbeatSec = 30
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
}

func (c Config) Validate() error {
	if !isValidInstanceID(c.InstanceID) {
		return configErr("instance_id", "must match [a-z0-9_-], length 1..24")
	}
	if c.Venue.Name != "kraken" {
		return configErr("venue.name", "only kraken is supported")
	}
	if c.Venue.APIKey == "" {
		return configErr("venue.api_key", "required")
	}
	if c.Venue.APISecret == "" {
		return configErr("venue.api_secret", "required")
	}
	if !kraken.ValidTier(c.Venue.Tier) {
		return configErr("venue.tier", "must be starter, intermediate, or pro")
	}
	if err := validateURL(c.Venue.RestBaseURL, "http", "https"); err != nil {
		return configErr("venue.rest_base_url", err.Error())
	}
	if err := validateURL(c.Venue.WSBaseURL, "ws", "wss"); err != nil {
		return configErr("venue.ws_base_url", err.Error())
	}
	if c.Venue.HTTPTimeoutSec < 1 || c.Venue.HTTPTimeoutSec > 120 {
		return configErr("venue.http_timeout_sec", "must be between 1 and 120")
	}
	if c.Venue.WSPingSec < 1 || c.Venue.WSPingSec > 300 {
		return configErr("venue.ws_ping_sec", "must be between 1 and 300")
	}
	if c.Dispatcher.MaxAttempts < 1 || c.Dispatcher.MaxAttempts > 10 {
		return configErr("dispatcher.max_attempts", "must be between 1 and 10")
	}
	if c.Dispatcher.RetryIntervalMs < 1 || c.Dispatcher.RetryIntervalMs > 60000 {
		return configErr("dispatcher.retry_interval_ms", "must be between 1 and 60000")
	}
	if c.Dispatcher.RequestTimeoutSec < 1 || c.Dispatcher.RequestTimeoutSec > 300 {
		return configErr("dispatcher.request_timeout_sec", "must be between 1 and 300")
	}
	for i, l := range c.Dispatcher.Limits {
		field := fmt.Sprintf("dispatcher.limits[%d]", i)
		if l.Endpoint == "" {
			return configErr(field+".endpoint", "required")
		}
		if l.Requests < 1 || l.WindowSec < 1 {
			return configErr(field, "requests and window_sec must be >= 1")
		}
	}
	if c.Reconcile.PollIntervalSec < 1 || c.Reconcile.PollIntervalSec > 3600 {
		return configErr("reconcile.poll_interval_sec", "must be between 1 and 3600")
	}
	if c.Reconcile.QueryBatch < 1 || c.Reconcile.QueryBatch > 50 {
		return configErr("reconcile.query_batch", "must be between 1 and 50")
	}
	if c.Reconcile.UnmatchedBuffer < 1 {
		return configErr("reconcile.unmatched_buffer", "must be >= 1")
	}
	if c.Reconcile.PendingGraceSec < 1 {
		return configErr("reconcile.pending_grace_sec", "must be >= 1")
	}
	if c.Reconcile.MaxPendingMisses < 1 {
		return configErr("reconcile.max_pending_misses", "must be >= 1")
	}
	if c.Ledger.RefreshIntervalSec < 1 || c.Ledger.RefreshIntervalSec > 3600 {
		return configErr("ledger.refresh_interval_sec", "must be between 1 and 3600")
	}
	if c.Tracker.HistorySize < 1 {
		return configErr("tracker.history_size", "must be >= 1")
	}
	if c.TimeSync.IntervalSec < 10 || c.TimeSync.IntervalSec > 86400 {
		return configErr("time_sync.interval_sec", "must be between 10 and 86400")
	}
	for i, r := range c.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if _, _, ok := core.SplitPair(r.Pair); !ok {
			return configErr(field+".pair", "must be BASE-QUOTE")
		}
		if r.MinAmount.Sign() < 0 || r.MinNotional.Sign() < 0 {
			return configErr(field, "minimums must be >= 0")
		}
	}
	if c.State.Backend != BackendFile && c.State.Backend != BackendPebble {
		return configErr("state.backend", "must be file or pebble")
	}
	if c.State.PersistIntervalSec < 1 || c.State.PersistIntervalSec > 600 {
		return configErr("state.persist_interval_sec", "must be between 1 and 600")
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return configErr("state.lock_stale_sec", "must be between 0 and 86400")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return configErr("circuit_breaker.max_place_failures", "must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return configErr("circuit_breaker.max_cancel_failures", "must be >= 1")
		}
		if c.CircuitBreaker.MaxReconnectFailures < 1 {
			return configErr("circuit_breaker.max_reconnect_failures", "must be >= 1")
		}
		if c.CircuitBreaker.ReconnectCooldownSec < 1 || c.CircuitBreaker.ReconnectCooldownSec > 3600 {
			return configErr("circuit_breaker.reconnect_cooldown_sec", "must be between 1 and 3600")
		}
		if c.CircuitBreaker.ReconnectProbePasses < 1 || c.CircuitBreaker.ReconnectProbePasses > 20 {
			return configErr("circuit_breaker.reconnect_probe_passes", "must be between 1 and 20")
		}
	}
	switch c.Observability.Log.Format {
	case "text", "json":
	default:
		return configErr("observability.log.format", "must be text or json")
	}
	if c.Observability.Metrics.Enabled && !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
		return configErr("observability.metrics.path", "must start with /")
	}
	if c.Observability.Runtime.HeartbeatSec < 1 || c.Observability.Runtime.HeartbeatSec > 3600 {
		return configErr("observability.runtime.heartbeat_sec", "must be between 1 and 3600")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return configErr("observability.runtime.alert_drop_report_sec", "must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return configErr("observability.telegram.bot_token", "required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return configErr("observability.telegram.chat_id", "required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return configErr("observability.telegram.timeout_sec", "must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return configErr("observability.telegram.api_base_url", err.Error())
		}
	}
	return nil
}

// RateLimits returns the tier's endpoint windows with configured overrides applied.
func (c Config) RateLimits() map[string]dispatcher.EndpointLimit {
	out := kraken.RateLimits(c.Venue.Tier)
	for _, l := range c.Dispatcher.Limits {
		out[l.Endpoint] = dispatcher.EndpointLimit{Requests: l.Requests, Window: time.Duration(l.WindowSec) * time.Second}
	}
	return out
}

// ApplyRuleOverrides returns rules with configured minimums raised where they exceed the venue's.
func (c Config) ApplyRuleOverrides(rules map[string]core.TradingRule) map[string]core.TradingRule {
	out := make(map[string]core.TradingRule, len(rules))
	for pair, r := range rules {
		out[pair] = r
	}
	for _, o := range c.Rules {
		r, ok := out[o.Pair]
		if !ok {
			continue
		}
		if o.MinAmount.Cmp(r.MinAmount) > 0 {
			r.MinAmount = o.MinAmount.Decimal
		}
		if o.MinNotional.Cmp(r.MinNotional) > 0 {
			r.MinNotional = o.MinNotional.Decimal
		}
		out[o.Pair] = r
	}
	return out
}

func configErr(field, reason string) error {
	return &core.ConfigurationError{Field: field, Reason: reason}
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
