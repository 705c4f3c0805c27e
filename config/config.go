package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/provider"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/oracle/types"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub005/telemetry"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr      = "0.0.0.0:7171"
	defaultSrvWriteTimeout = 15 * time.Second
	defaultSrvReadTimeout  = 15 * time.Second
	defaultProviderTimeout = 500 * time.Millisecond
	defaultHistoryDb       = "prices.db"

	defaultMaxAgeMs          = 2000
	defaultCacheTTLMs        = 300
	defaultMinSources        = 2
	defaultOutlierThreshold  = 0.12
	defaultLambda            = 4e-5
	defaultHistoricalWindow  = 50
	defaultCrossSourceWindow = 10_000
	defaultMaxFailoverMs     = 100
	defaultFailureThreshold  = 3
	defaultRecoveryThreshold = 5
	defaultHealthCheckMs     = 5000
	defaultFirstRoundStartMs = 1658430000000
	defaultRoundDurationMs   = 90_000
)

var (
	validate = validator.New()

	// ErrEmptyConfigPath defines a sentinel error for an empty config path.
	ErrEmptyConfigPath = errors.New("empty configuration file path")

	// SupportedProviders defines a lookup table of all the supported
	// exchange adapters. Providers behind the ccxt bridge are configured
	// as "ccxt.<exchange>" and validated by prefix instead.
	SupportedProviders = map[provider.Name]struct{}{
		provider.ProviderBinance:  {},
		provider.ProviderCoinbase: {},
		provider.ProviderKraken:   {},
		provider.ProviderOkx:      {},
		provider.ProviderBybit:    {},
		provider.ProviderMexc:     {},
		provider.ProviderCrypto:   {},
		provider.ProviderGate:     {},
		provider.ProviderBitfinex: {},
		provider.ProviderMock:     {},
	}
)

type (
	// Config defines all necessary feed-provider configuration parameters.
	Config struct {
		Server            Server              `toml:"server" yaml:"server"`
		Feeds             []Feed              `toml:"feeds" yaml:"feeds" validate:"required,gt=0,dive,required"`
		ProviderEndpoints []ProviderEndpoints `toml:"provider_endpoints" yaml:"provider_endpoints" validate:"dive"`
		ProviderWeights   map[string]Weight   `toml:"provider_weights" yaml:"provider_weights"`
		Validation        Validation          `toml:"validation" yaml:"validation"`
		Aggregation       Aggregation         `toml:"aggregation" yaml:"aggregation"`
		Failover          Failover            `toml:"failover" yaml:"failover"`
		VotingRounds      VotingRounds        `toml:"voting_rounds" yaml:"voting_rounds"`
		Telemetry         telemetry.Config    `toml:"telemetry" yaml:"telemetry"`
		ProviderTimeout   string              `toml:"provider_timeout" yaml:"provider_timeout"`
		HistoryDb         string              `toml:"history_db" yaml:"history_db"`
	}

	// Server defines the API server configuration.
	Server struct {
		ListenAddr     string   `toml:"listen_addr" yaml:"listen_addr"`
		WriteTimeout   string   `toml:"write_timeout" yaml:"write_timeout"`
		ReadTimeout    string   `toml:"read_timeout" yaml:"read_timeout"`
		AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
	}

	// Feed defines one served feed and the ordered list of exchange
	// listings backing it. Rows without the backup flag are primaries.
	Feed struct {
		Category int          `toml:"category" yaml:"category" validate:"required,min=1,max=4"`
		Name     string       `toml:"name" yaml:"name" validate:"required"`
		Sources  []FeedSource `toml:"sources" yaml:"sources" validate:"required,gt=0,dive,required"`
	}

	// FeedSource binds a feed to one exchange book. Pair defaults to the
	// feed name; crypto USD feeds commonly ride on an exchange USDT book.
	FeedSource struct {
		Provider string `toml:"provider" yaml:"provider" validate:"required"`
		Pair     string `toml:"pair" yaml:"pair"`
		Backup   bool   `toml:"backup" yaml:"backup"`
	}

	// Weight overrides the consensus weight priors for one source.
	Weight struct {
		BaseWeight       float64 `toml:"base_weight" yaml:"base_weight" validate:"min=0,max=1"`
		TierMultiplier   float64 `toml:"tier_multiplier" yaml:"tier_multiplier" validate:"min=0,max=2"`
		ReliabilityScore float64 `toml:"reliability_score" yaml:"reliability_score" validate:"min=0,max=1"`
	}

	// Validation defines the validator bounds. The mapstructure tags bind
	// the recognized environment knobs.
	Validation struct {
		MaxAgeMs            int64   `toml:"max_age_ms" yaml:"max_age_ms" mapstructure:"MAX_AGE_MS"`
		OutlierThreshold    float64 `toml:"outlier_threshold" yaml:"outlier_threshold" mapstructure:"OUTLIER_THRESHOLD"`
		HistoricalWindow    int     `toml:"historical_window" yaml:"historical_window" mapstructure:"HISTORICAL_WINDOW"`
		CrossSourceWindowMs int64   `toml:"cross_source_window_ms" yaml:"cross_source_window_ms" mapstructure:"CROSS_SOURCE_WINDOW_MS"`
	}

	// Aggregation defines the consensus aggregator tunables.
	Aggregation struct {
		MinSources int     `toml:"min_sources" yaml:"min_sources" mapstructure:"MIN_SOURCES"`
		CacheTTLMs int64   `toml:"cache_ttl_ms" yaml:"cache_ttl_ms" mapstructure:"CACHE_TTL_MS"`
		Lambda     float64 `toml:"lambda" yaml:"lambda" mapstructure:"LAMBDA"`
	}

	// Failover defines the health flip thresholds and budgets.
	Failover struct {
		MaxFailoverMs         int64 `toml:"max_failover_ms" yaml:"max_failover_ms" mapstructure:"MAX_FAILOVER_MS"`
		FailureThreshold      int   `toml:"failure_threshold" yaml:"failure_threshold" mapstructure:"FAILURE_THRESHOLD"`
		RecoveryThreshold     int   `toml:"recovery_threshold" yaml:"recovery_threshold" mapstructure:"RECOVERY_THRESHOLD"`
		HealthCheckIntervalMs int64 `toml:"health_check_interval_ms" yaml:"health_check_interval_ms" mapstructure:"HEALTH_CHECK_INTERVAL_MS"`
	}

	// VotingRounds maps voting round ids onto wall clock time.
	VotingRounds struct {
		FirstRoundStartMs int64 `toml:"first_round_start_ms" yaml:"first_round_start_ms"`
		RoundDurationMs   int64 `toml:"round_duration_ms" yaml:"round_duration_ms" validate:"min=0"`
	}

	// ProviderEndpoints defines an override setting in our config for the
	// hardcoded rest and websocket api endpoints.
	ProviderEndpoints struct {
		Name          provider.Name `toml:"name" yaml:"name" validate:"required"`
		Urls          []string      `toml:"urls" yaml:"urls"`
		Websocket     string        `toml:"websocket" yaml:"websocket"`
		WebsocketPath string        `toml:"websocket_path" yaml:"websocket_path"`
		PollInterval  string        `toml:"poll_interval" yaml:"poll_interval"`
		PingDuration  string        `toml:"ping_duration" yaml:"ping_duration"`
		PingType      int           `toml:"ping_type" yaml:"ping_type"`
		PingMessage   string        `toml:"ping_message" yaml:"ping_message"`
		RestTimeout   string        `toml:"rest_timeout" yaml:"rest_timeout"`
	}
)

// telemetryValidation is custom validation for the Telemetry struct.
func telemetryValidation(sl validator.StructLevel) {
	tel := sl.Current().Interface().(telemetry.Config)

	if tel.Enabled && len(tel.ServiceName) == 0 {
		sl.ReportError(tel.Enabled, "enabled", "Enabled", "enabledNoServiceName", "")
	}
}

// endpointValidation is custom validation for the ProviderEndpoints struct.
func endpointValidation(sl validator.StructLevel) {
	endpoint := sl.Current().Interface().(ProviderEndpoints)

	if len(endpoint.Name) < 1 {
		sl.ReportError(endpoint, "name", "Name", "name is empty", "")
		return
	}
	if !isSupportedProvider(endpoint.Name) {
		sl.ReportError(endpoint.Name, "name", "Name", "unsupportedEndpointProvider", "")
	}
}

// feedValidation is custom validation for the Feed struct.
func feedValidation(sl validator.StructLevel) {
	feed := sl.Current().Interface().(Feed)

	if _, err := types.NewFeedId(types.FeedCategory(feed.Category), feed.Name); err != nil {
		sl.ReportError(feed.Name, "name", "Name", "invalidFeedName", "")
		return
	}

	for _, source := range feed.Sources {
		if !isSupportedProvider(provider.Name(source.Provider)) {
			sl.ReportError(source.Provider, "provider", "Provider", "unsupportedFeedProvider", "")
		}
		if source.Pair != "" {
			if _, err := types.ParsePairString(source.Pair); err != nil {
				sl.ReportError(source.Pair, "pair", "Pair", "invalidSourcePair", "")
			}
		}
	}
}

func isSupportedProvider(name provider.Name) bool {
	if _, ok := SupportedProviders[name]; ok {
		return true
	}
	return strings.HasPrefix(string(name), "ccxt.") && len(name) > len("ccxt.")
}

// Validate returns an error if the Config object is invalid.
func (c Config) Validate() error {
	validate.RegisterStructValidation(telemetryValidation, telemetry.Config{})
	validate.RegisterStructValidation(endpointValidation, ProviderEndpoints{})
	validate.RegisterStructValidation(feedValidation, Feed{})
	return validate.Struct(c)
}

// FeedIds resolves the configured feeds into typed ids, in file order.
func (c Config) FeedIds() ([]types.FeedId, error) {
	feeds := make([]types.FeedId, 0, len(c.Feeds))
	for _, feed := range c.Feeds {
		id, err := types.NewFeedId(types.FeedCategory(feed.Category), feed.Name)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, id)
	}
	return feeds, nil
}

// SourcePair resolves the pair a source subscribes, defaulting to the feed's
// own pair when the row does not override it.
func (f Feed) SourcePair(source FeedSource) (types.CurrencyPair, error) {
	if source.Pair != "" {
		return types.ParsePairString(source.Pair)
	}
	return types.ParsePairString(f.Name)
}

func (p ProviderEndpoints) ToEndpoint() (provider.Endpoint, error) {
	var pollInterval, pingDuration time.Duration
	if p.PollInterval != "" {
		interval, err := time.ParseDuration(p.PollInterval)
		if err != nil {
			return provider.Endpoint{}, fmt.Errorf("failed to parse poll interval: %v", err)
		}
		pollInterval = interval
	}
	if p.PingDuration != "" {
		duration, err := time.ParseDuration(p.PingDuration)
		if err != nil {
			return provider.Endpoint{}, fmt.Errorf("failed to parse ping duration: %v", err)
		}
		pingDuration = duration
	}

	var restTimeout time.Duration
	if p.RestTimeout != "" {
		timeout, err := time.ParseDuration(p.RestTimeout)
		if err != nil {
			return provider.Endpoint{}, fmt.Errorf("failed to parse rest timeout: %v", err)
		}
		restTimeout = timeout
	}

	return provider.Endpoint{
		Name:          p.Name,
		Urls:          p.Urls,
		Websocket:     p.Websocket,
		WebsocketPath: p.WebsocketPath,
		PollInterval:  pollInterval,
		PingDuration:  pingDuration,
		PingType:      p.PingType,
		PingMessage:   p.PingMessage,
		RestTimeout:   restTimeout,
	}, nil
}

// ParseConfig attempts to read and parse configuration from the given file
// path. The file format is picked by extension: .yaml/.yml or toml otherwise.
// Recognized environment knobs override the file before validation.
func ParseConfig(configPath string) (Config, error) {
	var cfg Config

	if configPath == "" {
		return cfg, ErrEmptyConfigPath
	}

	configData, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(configData, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to decode config: %w", err)
		}
	default:
		if _, err := toml.Decode(string(configData), &cfg); err != nil {
			return cfg, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := cfg.ApplyEnvOverrides(os.Getenv); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ReloadFeeds re-reads the config file and returns only its feed catalog,
// leaving every other section of the running configuration untouched.
func ReloadFeeds(configPath string) ([]Feed, error) {
	cfg, err := ParseConfig(configPath)
	if err != nil {
		return nil, err
	}
	return cfg.Feeds, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = defaultListenAddr
	}
	if len(c.Server.WriteTimeout) == 0 {
		c.Server.WriteTimeout = defaultSrvWriteTimeout.String()
	}
	if len(c.Server.ReadTimeout) == 0 {
		c.Server.ReadTimeout = defaultSrvReadTimeout.String()
	}
	if len(c.ProviderTimeout) == 0 {
		c.ProviderTimeout = defaultProviderTimeout.String()
	}
	if c.HistoryDb == "" {
		c.HistoryDb = defaultHistoryDb
	}

	if c.Validation.MaxAgeMs == 0 {
		c.Validation.MaxAgeMs = defaultMaxAgeMs
	}
	if c.Validation.OutlierThreshold == 0 {
		c.Validation.OutlierThreshold = defaultOutlierThreshold
	}
	if c.Validation.HistoricalWindow == 0 {
		c.Validation.HistoricalWindow = defaultHistoricalWindow
	}
	if c.Validation.CrossSourceWindowMs == 0 {
		c.Validation.CrossSourceWindowMs = defaultCrossSourceWindow
	}

	if c.Aggregation.MinSources == 0 {
		c.Aggregation.MinSources = defaultMinSources
	}
	if c.Aggregation.CacheTTLMs == 0 {
		c.Aggregation.CacheTTLMs = defaultCacheTTLMs
	}
	if c.Aggregation.Lambda == 0 {
		c.Aggregation.Lambda = defaultLambda
	}

	if c.Failover.MaxFailoverMs == 0 {
		c.Failover.MaxFailoverMs = defaultMaxFailoverMs
	}
	if c.Failover.FailureThreshold == 0 {
		c.Failover.FailureThreshold = defaultFailureThreshold
	}
	if c.Failover.RecoveryThreshold == 0 {
		c.Failover.RecoveryThreshold = defaultRecoveryThreshold
	}
	if c.Failover.HealthCheckIntervalMs == 0 {
		c.Failover.HealthCheckIntervalMs = defaultHealthCheckMs
	}

	if c.VotingRounds.FirstRoundStartMs == 0 {
		c.VotingRounds.FirstRoundStartMs = defaultFirstRoundStartMs
	}
	if c.VotingRounds.RoundDurationMs == 0 {
		c.VotingRounds.RoundDurationMs = defaultRoundDurationMs
	}
}

// envKnobs enumerates the recognized environment variables. The mapstructure
// tags on Validation, Aggregation and Failover bind each knob to its field.
var envKnobs = []string{
	"MAX_AGE_MS",
	"CACHE_TTL_MS",
	"MIN_SOURCES",
	"OUTLIER_THRESHOLD",
	"LAMBDA",
	"HISTORICAL_WINDOW",
	"CROSS_SOURCE_WINDOW_MS",
	"MAX_FAILOVER_MS",
	"FAILURE_THRESHOLD",
	"RECOVERY_THRESHOLD",
	"HEALTH_CHECK_INTERVAL_MS",
}

// ApplyEnvOverrides decodes the recognized environment knobs over the parsed
// configuration. getenv is injected for tests.
func (c *Config) ApplyEnvOverrides(getenv func(string) string) error {
	values := map[string]interface{}{}
	for _, knob := range envKnobs {
		if v := getenv(knob); v != "" {
			values[knob] = v
		}
	}
	if len(values) == 0 {
		return nil
	}

	for _, target := range []interface{}{&c.Validation, &c.Aggregation, &c.Failover} {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           target,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return err
		}
		if err := decoder.Decode(values); err != nil {
			return fmt.Errorf("failed to apply environment overrides: %w", err)
		}
	}
	return nil
}
