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
		"API_FIREBASE_PROJECT_ID":           "pw-dev",
		"API_STORAGE_DELIVERY_PROOF_BUCKET": "pw-proofs-dev",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "pw-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "pw-dev" {
		t.Errorf("expected pubsub project to default to firebase project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.Storage.Backend != StorageBackendFirestore {
		t.Errorf("expected firestore backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Storage.MaxProofBytes != 10<<20 {
		t.Errorf("unexpected max proof bytes %d", cfg.Storage.MaxProofBytes)
	}
	if cfg.PSP.ConfirmTimeout != 5*time.Second {
		t.Errorf("unexpected confirm timeout %s", cfg.PSP.ConfirmTimeout)
	}
	if cfg.Orders.Currency != "PHP" || cfg.Orders.ShippingFee != 15000 || cfg.Orders.PricingToleranceMinor != 1 {
		t.Errorf("unexpected orders config %+v", cfg.Orders)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.JWKSURL != defaultOIDCJWKSURL {
		t.Errorf("expected default jwks url %s, got %s", defaultOIDCJWKSURL, cfg.Security.OIDC.JWKSURL)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.CleanupBatchSize != defaultIdempotencyBatchSize {
		t.Errorf("unexpected default cleanup batch size: %d", cfg.Idempotency.CleanupBatchSize)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                   "9090",
		"API_SERVER_IDLE_TIMEOUT":           "2m",
		"API_FIREBASE_PROJECT_ID":           "pw-prod",
		"API_FIRESTORE_PROJECT_ID":          "pw-fire",
		"API_STORAGE_BACKEND":               "Postgres",
		"API_STORAGE_POSTGRES_DSN":          "secret://db/dsn",
		"API_STORAGE_DELIVERY_PROOF_BUCKET": "proofs-prod",
		"API_STORAGE_MAX_PROOF_BYTES":       "2048",
		"API_PUBSUB_JOBS_TOPIC":             "jobs-prod",
		"API_PUBSUB_PUSH_SERVICE_ACCOUNTS":  "push@pw-prod.iam.gserviceaccount.com, ",
		"API_PSP_STRIPE_API_KEY":            "secret://stripe/api",
		"API_PSP_STRIPE_WEBHOOK_SECRET":     "sm://stripe/webhook",
		"API_PSP_CONFIRM_TIMEOUT":           "3s",
		"API_ORDERS_CURRENCY":               "usd",
		"API_ORDERS_SHIPPING_FEE":           "0",
		"API_PRICING_TOLERANCE_MINOR":       "5",
		"API_SECURITY_ENVIRONMENT":          "prod",
		"API_SECURITY_OIDC_AUDIENCES":       "prod=https://api.plankworks.example,stg=https://stg.example",
		"API_SECURITY_OIDC_ISSUERS":         "https://accounts.google.com",
		"API_IDEMPOTENCY_HEADER":            "X-Idem-Key",
		"API_IDEMPOTENCY_TTL":               "48h",
	}

	secrets := map[string]string{
		"secret://stripe/api":     "sk_live",
		"secret://stripe/webhook": "whsec_live",
		"secret://db/dsn":         "postgres://orders@db/orders",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", errors.New("not found")
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Storage.Backend != StorageBackendPostgres {
		t.Errorf("expected postgres backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Storage.PostgresDSN != "postgres://orders@db/orders" {
		t.Errorf("expected resolved dsn, got %s", cfg.Storage.PostgresDSN)
	}
	if cfg.Storage.MaxProofBytes != 2048 {
		t.Errorf("unexpected max proof bytes %d", cfg.Storage.MaxProofBytes)
	}
	if cfg.PSP.StripeAPIKey != "sk_live" {
		t.Errorf("expected resolved stripe api key, got %s", cfg.PSP.StripeAPIKey)
	}
	if cfg.PSP.StripeWebhookSecret != "whsec_live" {
		t.Errorf("expected legacy sm:// reference to resolve, got %s", cfg.PSP.StripeWebhookSecret)
	}
	if cfg.PSP.ConfirmTimeout != 3*time.Second {
		t.Errorf("unexpected confirm timeout %s", cfg.PSP.ConfirmTimeout)
	}
	if cfg.Orders.Currency != "USD" {
		t.Errorf("expected upper-cased currency, got %s", cfg.Orders.Currency)
	}
	if cfg.Orders.ShippingFee != 0 || cfg.Orders.PricingToleranceMinor != 5 {
		t.Errorf("unexpected orders config %+v", cfg.Orders)
	}
	if cfg.PubSub.JobsTopic != "jobs-prod" || cfg.PubSub.OrderEventsTopic != defaultOrderEventsTopic {
		t.Errorf("unexpected pubsub config %+v", cfg.PubSub)
	}
	if len(cfg.PubSub.PushServiceAccounts) != 1 || cfg.PubSub.PushServiceAccounts[0] != "push@pw-prod.iam.gserviceaccount.com" {
		t.Errorf("unexpected push service accounts %v", cfg.PubSub.PushServiceAccounts)
	}
	if cfg.Security.OIDC.Audience != "https://api.plankworks.example" {
		t.Errorf("expected audience picked by environment, got %s", cfg.Security.OIDC.Audience)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 {
		t.Errorf("unexpected issuers %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.Header != "X-Idem-Key" || cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency config %+v", cfg.Idempotency)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "# local overrides\nAPI_SERVER_PORT=7070\nexport API_FIREBASE_PROJECT_ID=\"pw-dot\"\nAPI_STORAGE_DELIVERY_PROOF_BUCKET=proofs-dot\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "pw-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadMissingDotEnvIsIgnored(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(filepath.Join(t.TempDir(), "absent.env")))
	if err != nil {
		t.Fatalf("expected missing dotenv file to be ignored, got %v", err)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	fields := validation.Fields()
	want := map[string]bool{"Firestore.ProjectID": false, "Firebase.ProjectID": false, "Storage.DeliveryProofBucket": false}
	for _, field := range fields {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("expected %s in %v", field, fields)
		}
	}
}

func TestLoadMemoryBackendNeedsNoCloudProject(t *testing.T) {
	env := map[string]string{"API_STORAGE_BACKEND": "memory"}
	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Storage.Backend != StorageBackendMemory {
		t.Fatalf("expected memory backend, got %s", cfg.Storage.Backend)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	env := baseEnv()
	env["API_STORAGE_BACKEND"] = "mongo"
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if fields := validation.Fields(); len(fields) != 1 || fields[0] != "Storage.Backend" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := baseEnv()
	env["API_PSP_STRIPE_API_KEY"] = "secret://missing"

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Errorf("expected resolver not configured cause, got %v", err)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
	}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}
	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeWebhookSecret", "PSP.StripeWebhookSecret"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	if names := missing.Names(); len(names) != 1 || names[0] != "PSP.StripeWebhookSecret" {
		t.Fatalf("unexpected names %v", names)
	}
	expectedRedacted := redactSecretName("PSP.StripeWebhookSecret")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}
