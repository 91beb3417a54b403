// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/llm-gateway/internal/partition"
)

// ProviderKey is one upstream credential read from a comma-separated key
// list env var.
type ProviderKey struct {
	Secret string
	OrgID  string
}

// AWSKey is one AWS Bedrock credential triple.
type AWSKey struct {
	AccessKey string
	SecretKey string
	Region    string
}

// Config is the top-level configuration container.
type Config struct {
	Port        int
	LogLevel    string
	ServerTitle string

	// ModelRateLimit is MODEL_RATE_LIMIT — the global per-partition requests
	// per minute cap enforced before admission. 0 disables the check.
	ModelRateLimit int

	// MaxOutputTokens is read from MAX_OUTPUT_TOKENS_<FAMILY> (one per model
	// family, e.g. MAX_OUTPUT_TOKENS_GPT4). A missing or zero entry means no
	// cap for that family.
	MaxOutputTokens map[partition.Family]int

	// AllowedModelFamilies restricts admission to the named families
	// (ALLOWED_MODEL_FAMILIES, comma-separated). Empty means all families
	// named in partition.All are allowed.
	AllowedModelFamilies []partition.Family

	BlockedOrigins []string
	BlockMessage   string
	// BlockRedirect, when set, redirects a blocked-origin request instead
	// of returning BlockMessage as a JSON body.
	BlockRedirect string

	RejectDisallowed bool
	RejectMessage    string
	DisallowedExact  []string
	DisallowedRegex  []string

	PromptLogging bool

	// CheckKeys is loaded from CHECK_KEYS, but nothing reads it: the
	// startup HealthCheck of every configured provider runs whether or not
	// it is set.
	CheckKeys bool

	// Gatekeeper/GatekeeperStore/MaxIPsPerUser/TokenQuota/
	// QuotaRefreshPeriod name an external authentication/quota backend —
	// an external collaborator this gateway only recognizes the
	// configuration shape of; it issues no tokens and enforces no IP or
	// quota limits itself. See DESIGN.md.
	Gatekeeper         string
	GatekeeperStore    string
	MaxIPsPerUser      int
	TokenQuota         map[partition.Family]int
	QuotaRefreshPeriod time.Duration

	// DiagnosticHeartbeats switches the queue-wait keep-alive from a bare
	// SSE comment line to a synthetic fake chunk in the client's dialect.
	DiagnosticHeartbeats bool

	// SharedIdentitySources classifies remote addresses (exact IP or
	// CIDR) as shared-identity traffic. Not a literal recognized option in
	// the interface list; supplemented, see DESIGN.md.
	SharedIdentitySources []string

	CORSOrigins []string
	MaxRetries  int

	Redis RedisConfig

	OpenAIKeys    []ProviderKey
	AnthropicKeys []ProviderKey
	PaLMKeys      []ProviderKey
	AWSKeys       []AWSKey
}

// RedisConfig holds Redis connection configuration, used for the
// cross-replica rate limiter and lockout mirror. When unset, lockouts stay
// process-local and MODEL_RATE_LIMIT is not enforced.
type RedisConfig struct {
	URL string
}

// Load reads configuration from environment variables and (optionally)
// from config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SERVER_TITLE", "llm-gateway")
	v.SetDefault("MODEL_RATE_LIMIT", 0)
	v.SetDefault("REJECT_MESSAGE", "request content is not allowed")
	v.SetDefault("BLOCK_MESSAGE", "origin is blocked")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("MAX_RETRIES", 5)
	v.SetDefault("MAX_IPS_PER_USER", 0)
	v.SetDefault("QUOTA_REFRESH_PERIOD", "24h")

	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		ServerTitle: v.GetString("SERVER_TITLE"),

		ModelRateLimit: v.GetInt("MODEL_RATE_LIMIT"),

		MaxOutputTokens:      loadPerFamilyInt(v, "MAX_OUTPUT_TOKENS_"),
		AllowedModelFamilies: parseFamilies(v.GetString("ALLOWED_MODEL_FAMILIES")),

		BlockedOrigins: v.GetStringSlice("BLOCKED_ORIGINS"),
		BlockMessage:   v.GetString("BLOCK_MESSAGE"),
		BlockRedirect:  v.GetString("BLOCK_REDIRECT"),

		RejectDisallowed: v.GetBool("REJECT_DISALLOWED"),
		RejectMessage:    v.GetString("REJECT_MESSAGE"),
		DisallowedExact:  v.GetStringSlice("DISALLOWED_CONTENT_EXACT"),
		DisallowedRegex:  v.GetStringSlice("DISALLOWED_CONTENT_PATTERNS"),

		PromptLogging: v.GetBool("PROMPT_LOGGING"),
		CheckKeys:     v.GetBool("CHECK_KEYS"),

		Gatekeeper:         v.GetString("GATEKEEPER"),
		GatekeeperStore:    v.GetString("GATEKEEPER_STORE"),
		MaxIPsPerUser:      v.GetInt("MAX_IPS_PER_USER"),
		TokenQuota:         loadPerFamilyInt(v, "TOKEN_QUOTA_"),
		QuotaRefreshPeriod: v.GetDuration("QUOTA_REFRESH_PERIOD"),

		DiagnosticHeartbeats: v.GetBool("DIAGNOSTIC_HEARTBEATS"),
		SharedIdentitySources: v.GetStringSlice("SHARED_IDENTITY_SOURCES"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		MaxRetries:  v.GetInt("MAX_RETRIES"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		OpenAIKeys:    parseKeyList(v.GetString("OPENAI_KEYS")),
		AnthropicKeys: parseKeyList(v.GetString("ANTHROPIC_KEYS")),
		PaLMKeys:      parseKeyList(v.GetString("GOOGLE_PALM_KEYS")),
		AWSKeys:       parseAWSKeyList(v.GetString("AWS_KEYS")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks semantic constraints not expressible as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider key list is required " +
				"(OPENAI_KEYS, ANTHROPIC_KEYS, GOOGLE_PALM_KEYS, or AWS_KEYS)",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be >= 1, got %d", c.MaxRetries)
	}
	for fam, n := range c.MaxOutputTokens {
		if n < 0 {
			return fmt.Errorf("config: MAX_OUTPUT_TOKENS_%s must be >= 0, got %d", strings.ToUpper(string(fam)), n)
		}
	}
	return nil
}

// AtLeastOneProviderKey reports whether at least one provider key list was
// configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return len(c.OpenAIKeys) > 0 || len(c.AnthropicKeys) > 0 || len(c.PaLMKeys) > 0 || len(c.AWSKeys) > 0
}

// parseKeyList splits a comma-separated OPENAI_KEYS/ANTHROPIC_KEYS/
// GOOGLE_PALM_KEYS value into ProviderKey entries. Empty entries are
// skipped so a trailing comma doesn't produce a blank credential.
func parseKeyList(raw string) []ProviderKey {
	var out []ProviderKey
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, ProviderKey{Secret: part})
	}
	return out
}

// parseAWSKeyList splits AWS_KEYS, each entry a colon-separated
// access:secret:region triple.
func parseAWSKeyList(raw string) []AWSKey {
	var out []AWSKey
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 3)
		if len(fields) != 3 {
			continue
		}
		out = append(out, AWSKey{AccessKey: fields[0], SecretKey: fields[1], Region: fields[2]})
	}
	return out
}

// parseFamilies splits a comma-separated ALLOWED_MODEL_FAMILIES value into
// partition.Family values, ignoring unrecognized names.
func parseFamilies(raw string) []partition.Family {
	if raw == "" {
		return nil
	}
	var out []partition.Family
	valid := make(map[partition.Family]struct{}, len(partition.All))
	for _, f := range partition.All {
		valid[f] = struct{}{}
	}
	for _, part := range strings.Split(raw, ",") {
		fam := partition.Family(strings.TrimSpace(part))
		if _, ok := valid[fam]; ok {
			out = append(out, fam)
		}
	}
	return out
}

// loadPerFamilyInt reads prefix+FAMILY (upper-cased, hyphens to
// underscores) for every known model family, e.g. prefix
// "MAX_OUTPUT_TOKENS_" reads MAX_OUTPUT_TOKENS_GPT4_32K for partition
// "gpt4-32k". Families with no matching env var are omitted.
func loadPerFamilyInt(v *viper.Viper, prefix string) map[partition.Family]int {
	out := make(map[partition.Family]int)
	for _, fam := range partition.All {
		key := prefix + strings.ToUpper(strings.ReplaceAll(string(fam), "-", "_"))
		if !v.IsSet(key) {
			continue
		}
		out[fam] = v.GetInt(key)
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
