package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultCurrency            = "USD"
	defaultCardPollInterval    = 2 * time.Second
	defaultCardMaxAttempts     = 30
	defaultCryptoPollInterval  = 30 * time.Second
	defaultCryptoMaxAttempts   = 60
	defaultBTCConfirmations    = 1
	defaultAdminJWKSURL        = "https://www.googleapis.com/oauth2/v3/certs"
	defaultAdminIssuer         = "https://accounts.google.com"
	defaultTokenTTL            = 24 * time.Hour
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyColl     = "idempotency_keys"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firestore   FirestoreConfig
	Gateways    GatewaysConfig
	Checkout    CheckoutConfig
	Auth        AuthConfig
	Jobs        JobsConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	BaseURL         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// GatewaysConfig collects payment gateway settings and credentials.
type GatewaysConfig struct {
	Enabled      []string
	DisplayOrder []string
	Currency     string
	Manual       ManualGatewayConfig
	Stripe       StripeGatewayConfig
	PayPal       PayPalGatewayConfig
	Square       SquareGatewayConfig
	Blockonomics BlockonomicsGatewayConfig
}

// ManualGatewayConfig holds operator payment instructions keyed by locale tag.
type ManualGatewayConfig struct {
	Instructions map[string]string
}

// StripeGatewayConfig stores Stripe API credentials.
type StripeGatewayConfig struct {
	SecretKey      string
	PublishableKey string
}

// PayPalGatewayConfig stores PayPal REST credentials.
type PayPalGatewayConfig struct {
	ClientID     string
	ClientSecret string
	Sandbox      bool
}

// SquareGatewayConfig stores Square API credentials.
type SquareGatewayConfig struct {
	AccessToken   string
	ApplicationID string
	LocationID    string
	Sandbox       bool
}

// BlockonomicsGatewayConfig stores Blockonomics API settings.
type BlockonomicsGatewayConfig struct {
	APIKey        string
	CallbackURL   string
	Confirmations int
}

// CheckoutConfig controls checkout flow behaviour and confirmation polling.
type CheckoutConfig struct {
	CardPollInterval   time.Duration
	CardMaxAttempts    int
	CryptoPollInterval time.Duration
	CryptoMaxAttempts  int
	CreditsEnabled     bool
	SuccessURL         string
	CancelURL          string
}

// AuthConfig groups customer token and admin identity verification settings.
type AuthConfig struct {
	JWTSecret     string
	Issuer        string
	TokenTTL      time.Duration
	AdminAudience string
	AdminIssuers  []string
	AdminJWKSURL  string
}

// JobsConfig configures the asynchronous provisioning hand-off.
type JobsConfig struct {
	Enabled           bool
	ProvisioningTopic string
}

// IdempotencyConfig controls order-creation idempotency record behaviour.
type IdempotencyConfig struct {
	Collection      string
	TTL             time.Duration
	CleanupInterval time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// EnvironmentValues returns the effective key/value environment map after applying the same
// precedence rules as Load (dotenv < OS env < explicit env map). Callers can use the result to
// initialise dependencies before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	merge := func(source map[string]string) {
		for key, value := range source {
			values[key] = value
		}
	}

	merge(dotEnvValues)

	if options.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			system[key] = parts[1]
		}
		merge(system)
	}

	merge(options.envMap)

	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers match the config field names recorded by the loader
// (e.g. "Gateways.Stripe.SecretKey").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "CHECKOUT_SERVER_PORT", defaultPort),
			BaseURL:         stringWithDefault(lookup, "CHECKOUT_SERVER_BASE_URL", ""),
			ReadTimeout:     durationWithDefault(lookup, "CHECKOUT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "CHECKOUT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "CHECKOUT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "CHECKOUT_SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "CHECKOUT_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "CHECKOUT_FIRESTORE_EMULATOR_HOST", ""),
		},
		Gateways: GatewaysConfig{
			Enabled:      csvWithDefault(lookup, "CHECKOUT_GATEWAYS_ENABLED"),
			DisplayOrder: csvWithDefault(lookup, "CHECKOUT_GATEWAYS_DISPLAY_ORDER"),
			Currency:     strings.ToUpper(stringWithDefault(lookup, "CHECKOUT_GATEWAYS_CURRENCY", defaultCurrency)),
			Manual: ManualGatewayConfig{
				Instructions: mapWithDefault(lookup, "CHECKOUT_GATEWAY_MANUAL_INSTRUCTIONS"),
			},
			Stripe: StripeGatewayConfig{
				SecretKey:      stringWithDefault(lookup, "CHECKOUT_GATEWAY_STRIPE_SECRET_KEY", ""),
				PublishableKey: stringWithDefault(lookup, "CHECKOUT_GATEWAY_STRIPE_PUBLISHABLE_KEY", ""),
			},
			PayPal: PayPalGatewayConfig{
				ClientID:     stringWithDefault(lookup, "CHECKOUT_GATEWAY_PAYPAL_CLIENT_ID", ""),
				ClientSecret: stringWithDefault(lookup, "CHECKOUT_GATEWAY_PAYPAL_CLIENT_SECRET", ""),
				Sandbox:      boolWithDefault(lookup, "CHECKOUT_GATEWAY_PAYPAL_SANDBOX", true),
			},
			Square: SquareGatewayConfig{
				AccessToken:   stringWithDefault(lookup, "CHECKOUT_GATEWAY_SQUARE_ACCESS_TOKEN", ""),
				ApplicationID: stringWithDefault(lookup, "CHECKOUT_GATEWAY_SQUARE_APPLICATION_ID", ""),
				LocationID:    stringWithDefault(lookup, "CHECKOUT_GATEWAY_SQUARE_LOCATION_ID", ""),
				Sandbox:       boolWithDefault(lookup, "CHECKOUT_GATEWAY_SQUARE_SANDBOX", true),
			},
			Blockonomics: BlockonomicsGatewayConfig{
				APIKey:        stringWithDefault(lookup, "CHECKOUT_GATEWAY_BLOCKONOMICS_API_KEY", ""),
				CallbackURL:   stringWithDefault(lookup, "CHECKOUT_GATEWAY_BLOCKONOMICS_CALLBACK_URL", ""),
				Confirmations: intWithDefault(lookup, "CHECKOUT_GATEWAY_BLOCKONOMICS_CONFIRMATIONS", defaultBTCConfirmations),
			},
		},
		Checkout: CheckoutConfig{
			CardPollInterval:   durationWithDefault(lookup, "CHECKOUT_POLL_CARD_INTERVAL", defaultCardPollInterval),
			CardMaxAttempts:    intWithDefault(lookup, "CHECKOUT_POLL_CARD_MAX_ATTEMPTS", defaultCardMaxAttempts),
			CryptoPollInterval: durationWithDefault(lookup, "CHECKOUT_POLL_CRYPTO_INTERVAL", defaultCryptoPollInterval),
			CryptoMaxAttempts:  intWithDefault(lookup, "CHECKOUT_POLL_CRYPTO_MAX_ATTEMPTS", defaultCryptoMaxAttempts),
			CreditsEnabled:     boolWithDefault(lookup, "CHECKOUT_CREDITS_ENABLED", true),
			SuccessURL:         stringWithDefault(lookup, "CHECKOUT_SUCCESS_URL", ""),
			CancelURL:          stringWithDefault(lookup, "CHECKOUT_CANCEL_URL", ""),
		},
		Auth: AuthConfig{
			JWTSecret:     stringWithDefault(lookup, "CHECKOUT_AUTH_JWT_SECRET", ""),
			Issuer:        stringWithDefault(lookup, "CHECKOUT_AUTH_ISSUER", ""),
			TokenTTL:      durationWithDefault(lookup, "CHECKOUT_AUTH_TOKEN_TTL", defaultTokenTTL),
			AdminAudience: stringWithDefault(lookup, "CHECKOUT_AUTH_ADMIN_AUDIENCE", ""),
			AdminIssuers:  csvWithDefault(lookup, "CHECKOUT_AUTH_ADMIN_ISSUERS"),
			AdminJWKSURL:  stringWithDefault(lookup, "CHECKOUT_AUTH_ADMIN_JWKS_URL", defaultAdminJWKSURL),
		},
		Jobs: JobsConfig{
			Enabled:           boolWithDefault(lookup, "CHECKOUT_JOBS_ENABLED", false),
			ProvisioningTopic: stringWithDefault(lookup, "CHECKOUT_JOBS_PROVISIONING_TOPIC", ""),
		},
		Idempotency: IdempotencyConfig{
			Collection:      stringWithDefault(lookup, "CHECKOUT_IDEMPOTENCY_COLLECTION", defaultIdempotencyColl),
			TTL:             durationWithDefault(lookup, "CHECKOUT_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval: durationWithDefault(lookup, "CHECKOUT_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
		},
	}

	if len(cfg.Gateways.Enabled) == 0 {
		cfg.Gateways.Enabled = []string{"manual"}
	}
	if len(cfg.Auth.AdminIssuers) == 0 {
		cfg.Auth.AdminIssuers = []string{defaultAdminIssuer}
	}

	resolvedSecrets := make(map[string]string)
	resolveField := func(name string, field *string) error {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return err
		}
		*field = resolved
		resolvedSecrets[name] = strings.TrimSpace(resolved)
		return nil
	}

	secretFields := []struct {
		name  string
		field *string
	}{
		{"Gateways.Stripe.SecretKey", &cfg.Gateways.Stripe.SecretKey},
		{"Gateways.PayPal.ClientSecret", &cfg.Gateways.PayPal.ClientSecret},
		{"Gateways.Square.AccessToken", &cfg.Gateways.Square.AccessToken},
		{"Gateways.Blockonomics.APIKey", &cfg.Gateways.Blockonomics.APIKey},
		{"Auth.JWTSecret", &cfg.Auth.JWTSecret},
	}
	for _, target := range secretFields {
		if err := resolveField(target.name, target.field); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" {
		return value, nil
	}
	if !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if cfg.Auth.JWTSecret == "" {
		missing = append(missing, "Auth.JWTSecret")
	}
	if cfg.Checkout.CardPollInterval <= 0 {
		missing = append(missing, "Checkout.CardPollInterval")
	}
	if cfg.Checkout.CardMaxAttempts <= 0 {
		missing = append(missing, "Checkout.CardMaxAttempts")
	}
	if cfg.Checkout.CryptoPollInterval <= 0 {
		missing = append(missing, "Checkout.CryptoPollInterval")
	}
	if cfg.Checkout.CryptoMaxAttempts <= 0 {
		missing = append(missing, "Checkout.CryptoMaxAttempts")
	}
	if cfg.Gateways.Blockonomics.Confirmations < 0 {
		missing = append(missing, "Gateways.Blockonomics.Confirmations")
	}
	if strings.TrimSpace(cfg.Idempotency.Collection) == "" {
		missing = append(missing, "Idempotency.Collection")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Jobs.Enabled && strings.TrimSpace(cfg.Jobs.ProvisioningTopic) == "" {
		missing = append(missing, "Jobs.ProvisioningTopic")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(parts[1]), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mapWithDefault(lookup func(string) (string, bool), key string) map[string]string {
	values := make(map[string]string)
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return values
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		if name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}
