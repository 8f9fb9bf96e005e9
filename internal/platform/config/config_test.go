package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"CHECKOUT_FIRESTORE_PROJECT_ID": "demo-project",
		"CHECKOUT_AUTH_JWT_SECRET":      "unit-test-secret",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background(),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithEnvMap(baseEnv()),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Gateways.Currency != "USD" {
		t.Errorf("Gateways.Currency = %q, want USD", cfg.Gateways.Currency)
	}
	if got := cfg.Checkout.CardPollInterval; got != 2*time.Second {
		t.Errorf("Checkout.CardPollInterval = %v, want 2s", got)
	}
	if got := cfg.Checkout.CryptoMaxAttempts; got != 60 {
		t.Errorf("Checkout.CryptoMaxAttempts = %d, want 60", got)
	}
	if len(cfg.Gateways.Enabled) != 1 || cfg.Gateways.Enabled[0] != "manual" {
		t.Errorf("Gateways.Enabled = %v, want [manual]", cfg.Gateways.Enabled)
	}
	if cfg.Gateways.Blockonomics.Confirmations != 1 {
		t.Errorf("Blockonomics.Confirmations = %d, want 1", cfg.Gateways.Blockonomics.Confirmations)
	}
	if cfg.Idempotency.Collection != "idempotency_keys" {
		t.Errorf("Idempotency.Collection = %q", cfg.Idempotency.Collection)
	}
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["CHECKOUT_SERVER_PORT"] = "9090"
	env["CHECKOUT_GATEWAYS_ENABLED"] = "stripe, blockonomics"
	env["CHECKOUT_GATEWAYS_DISPLAY_ORDER"] = "blockonomics,stripe"
	env["CHECKOUT_GATEWAYS_CURRENCY"] = "eur"
	env["CHECKOUT_POLL_CARD_MAX_ATTEMPTS"] = "5"
	env["CHECKOUT_POLL_CRYPTO_INTERVAL"] = "45s"
	env["CHECKOUT_GATEWAY_PAYPAL_SANDBOX"] = "false"

	cfg, err := Load(context.Background(),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithEnvMap(env),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %q, want 9090", cfg.Server.Port)
	}
	if len(cfg.Gateways.Enabled) != 2 || cfg.Gateways.Enabled[0] != "stripe" || cfg.Gateways.Enabled[1] != "blockonomics" {
		t.Errorf("Gateways.Enabled = %v", cfg.Gateways.Enabled)
	}
	if cfg.Gateways.Currency != "EUR" {
		t.Errorf("Gateways.Currency = %q, want EUR", cfg.Gateways.Currency)
	}
	if cfg.Checkout.CardMaxAttempts != 5 {
		t.Errorf("Checkout.CardMaxAttempts = %d, want 5", cfg.Checkout.CardMaxAttempts)
	}
	if cfg.Checkout.CryptoPollInterval != 45*time.Second {
		t.Errorf("Checkout.CryptoPollInterval = %v, want 45s", cfg.Checkout.CryptoPollInterval)
	}
	if cfg.Gateways.PayPal.Sandbox {
		t.Error("PayPal.Sandbox = true, want false")
	}
}

func TestLoadDotEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	contents := "CHECKOUT_SERVER_PORT=7000\nCHECKOUT_FIRESTORE_PROJECT_ID=dotenv-project\nCHECKOUT_AUTH_JWT_SECRET=dotenv-secret\n"
	if err := os.WriteFile(envFile, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing env file: %v", err)
	}

	cfg, err := Load(context.Background(),
		WithoutSystemEnv(),
		WithEnvFile(envFile),
		WithEnvMap(map[string]string{"CHECKOUT_SERVER_PORT": "7001"}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7001" {
		t.Errorf("Server.Port = %q, want explicit map to win over dotenv", cfg.Server.Port)
	}
	if cfg.Firestore.ProjectID != "dotenv-project" {
		t.Errorf("Firestore.ProjectID = %q, want dotenv-project", cfg.Firestore.ProjectID)
	}
}

func TestLoadValidation(t *testing.T) {
	_, err := Load(context.Background(),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithEnvMap(map[string]string{}),
	)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := vErr.Fields()
	want := map[string]bool{"Firestore.ProjectID": false, "Auth.JWTSecret": false}
	for _, field := range fields {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("ValidationError missing field %s (got %v)", field, fields)
		}
	}
}

func TestLoadResolvesSecretReferences(t *testing.T) {
	env := baseEnv()
	env["CHECKOUT_GATEWAY_STRIPE_SECRET_KEY"] = "secret://projects/demo/secrets/stripe/versions/latest"

	resolver := SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
		if ref != "secret://projects/demo/secrets/stripe/versions/latest" {
			t.Errorf("unexpected ref %q", ref)
		}
		return "sk_live_resolved", nil
	})

	cfg, err := Load(context.Background(),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithEnvMap(env),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Gateways.Stripe.SecretKey != "sk_live_resolved" {
		t.Errorf("Stripe.SecretKey = %q, want resolved value", cfg.Gateways.Stripe.SecretKey)
	}
}

func TestLoadRequiredSecretMissing(t *testing.T) {
	_, err := Load(context.Background(),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithEnvMap(baseEnv()),
		WithRequiredSecrets("Gateways.Stripe.SecretKey"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	names := missing.Names()
	if len(names) != 1 || names[0] != "Gateways.Stripe.SecretKey" {
		t.Errorf("missing secret names = %v", names)
	}
}

func TestSecretErrorWhenResolverMissing(t *testing.T) {
	env := baseEnv()
	env["CHECKOUT_AUTH_JWT_SECRET"] = "sm://projects/demo/secrets/jwt"

	_, err := Load(context.Background(),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithEnvMap(env),
	)
	var sErr *SecretError
	if !errors.As(err, &sErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if sErr.Ref != "secret://projects/demo/secrets/jwt" {
		t.Errorf("SecretError.Ref = %q, want normalized secret:// form", sErr.Ref)
	}
}
