package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	gormlogger "gorm.io/gorm/logger"

	"github.com/plankworks/api/internal/di"
	"github.com/plankworks/api/internal/handlers"
	"github.com/plankworks/api/internal/payments"
	"github.com/plankworks/api/internal/platform/auth"
	"github.com/plankworks/api/internal/platform/config"
	pfirestore "github.com/plankworks/api/internal/platform/firestore"
	"github.com/plankworks/api/internal/platform/idempotency"
	"github.com/plankworks/api/internal/platform/jobs"
	"github.com/plankworks/api/internal/platform/observability"
	"github.com/plankworks/api/internal/platform/secrets"
	platformstorage "github.com/plankworks/api/internal/platform/storage"
	"github.com/plankworks/api/internal/repositories"
	firestoreRepo "github.com/plankworks/api/internal/repositories/firestore"
	"github.com/plankworks/api/internal/repositories/memory"
	"github.com/plankworks/api/internal/repositories/postgres"
	"github.com/plankworks/api/internal/services"
)

const localProofBucket = "local-delivery-proofs"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	logLevel := strings.TrimSpace(envValues["API_LOG_LEVEL"])
	baseLogger, err := observability.NewLogger(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.ResolveSecret)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	backend, err := openBackend(ctx, cfg, logLevel)
	if err != nil {
		logger.Fatal("failed to initialise storage backend", zap.String("backend", cfg.Storage.Backend), zap.Error(err))
	}

	infra := di.Infrastructure{
		Registry: backend.registry,
		Build:    buildInfoFromEnv(envValues, cfg, startedAt),
		Logger:   logger,
		Clock:    time.Now,
	}

	var storageClient *cloudstorage.Client
	var objects platformstorage.ObjectStore
	proofBucket := strings.TrimSpace(cfg.Storage.DeliveryProofBucket)
	if proofBucket != "" && cfg.Storage.Backend != config.StorageBackendMemory {
		storageClient, err = cloudstorage.NewClient(ctx, clientOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		bucketObjects, err := platformstorage.NewBucketObjects(storageClient, proofBucket)
		if err != nil {
			logger.Fatal("failed to initialise proof bucket", zap.Error(err))
		}
		objects = bucketObjects
		infra.Checks = append(infra.Checks, repositories.DependencyCheck{
			Name:     "proof_bucket",
			Timeout:  time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				_, err := storageClient.Bucket(proofBucket).Attrs(ctx)
				return err
			},
		})
	} else {
		logger.Warn("delivery proofs kept in memory", zap.String("bucket", localProofBucket))
		objects = platformstorage.NewMemoryObjects()
		proofBucket = localProofBucket
	}
	proofStore, err := platformstorage.NewProofStore(objects, proofBucket, platformstorage.WithMaxProofBytes(cfg.Storage.MaxProofBytes))
	if err != nil {
		logger.Fatal("failed to initialise proof store", zap.Error(err))
	}
	infra.Proofs = proofStore

	if projectID := strings.TrimSpace(cfg.PubSub.ProjectID); projectID != "" && cfg.Storage.Backend != config.StorageBackendMemory {
		pubsubClient, err := pubsub.NewClient(ctx, projectID, clientOptions(cfg)...)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		jobsTopic := pubsubClient.Topic(cfg.PubSub.JobsTopic)
		eventsTopic := pubsubClient.Topic(cfg.PubSub.OrderEventsTopic)
		defer func() {
			jobsTopic.Stop()
			eventsTopic.Stop()
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		jobPublisher, err := jobs.NewPubSubJobPublisher(jobsTopic)
		if err != nil {
			logger.Fatal("failed to initialise job publisher", zap.Error(err))
		}
		eventPublisher, err := jobs.NewPubSubOrderEventPublisher(eventsTopic)
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		infra.Jobs = jobPublisher
		infra.Events = eventPublisher
	} else {
		logger.Warn("pubsub not configured; retries and order events are disabled")
	}

	var webhookVerifier *payments.StripeWebhookVerifier
	if apiKey := strings.TrimSpace(cfg.PSP.StripeAPIKey); apiKey != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: apiKey,
			Logger: payments.StripeLogger(observability.NewEventLogger(logger.Named("payments"))),
			Clock:  time.Now,
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe provider", zap.Error(err))
		}
		infra.Payments = stripeProvider
	} else {
		logger.Warn("stripe api key not configured; payments are unavailable")
	}
	if secret := strings.TrimSpace(cfg.PSP.StripeWebhookSecret); secret != "" {
		webhookVerifier, err = payments.NewStripeWebhookVerifier(secret)
		if err != nil {
			logger.Fatal("failed to initialise stripe webhook verifier", zap.Error(err))
		}
	}

	infra.Checks = append(infra.Checks, secretManagerCheck(fetcher))

	container, err := di.NewContainer(ctx, cfg, infra)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()
	svc := container.Services

	var authenticator *auth.Authenticator
	if strings.TrimSpace(cfg.Firebase.ProjectID) != "" {
		firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
		if err != nil {
			logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
		}
		authenticator = auth.NewAuthenticator(firebaseVerifier)
	} else {
		logger.Warn("firebase project not configured; authenticated routes will reject requests")
	}

	idempotencyMiddleware := idempotency.Middleware(
		backend.idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		idempotency.RunJanitor(janitorCtx, backend.idempotency, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
	}()

	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders,
		handlers.WithOrderIdempotency(idempotencyMiddleware),
		handlers.WithMaxProofBytes(cfg.Storage.MaxProofBytes),
	)
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, svc.Checkout, idempotencyMiddleware)
	itemHandlers := handlers.NewItemHandlers(svc.Pricing)
	jobHandlers := handlers.NewJobHandlers(svc.Runner)

	projectID := traceProjectID(cfg)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(infra.Build),
		handlers.WithHealthSystemService(svc.System),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.TraceMiddleware(projectID),
			observability.RequestLogger(logger.Named("http")),
			observability.Recoverer(logger.Named("http")),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(handlers.Compose(orderHandlers.Routes, checkoutHandlers.OrderRoutes)),
		handlers.WithItemRoutes(itemHandlers.Routes),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithInternalRoutes(jobHandlers.Routes),
		handlers.WithInternalMiddlewares(buildPushMiddleware(logger.Named("auth"), cfg)),
	}
	if webhookVerifier != nil {
		webhookHandlers := handlers.NewPaymentWebhookHandlers(webhookVerifier, svc.Checkout)
		opts = append(opts, handlers.WithWebhookRoutes(webhookHandlers.Routes))
	} else {
		logger.Warn("stripe webhook secret not configured; webhook finalization is disabled")
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr), zap.String("backend", cfg.Storage.Backend))
	go func() {
		serverLogger.Info("plankworks api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	stopJanitor()
	<-janitorDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

type storageBackend struct {
	registry    repositories.Registry
	idempotency idempotency.Store
}

// openBackend selects the repository registry and the matching idempotency store. Postgres
// shares one gorm pool between both.
func openBackend(ctx context.Context, cfg config.Config, logLevel string) (storageBackend, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithClientOptions(clientOptions(cfg)...))
		registry, err := firestoreRepo.NewRegistry(provider)
		if err != nil {
			return storageBackend{}, err
		}
		return storageBackend{registry: registry, idempotency: idempotency.NewFirestoreStore(provider)}, nil
	case config.StorageBackendPostgres:
		var opts []postgres.Option
		if strings.EqualFold(logLevel, "debug") {
			opts = append(opts, postgres.WithLogger(gormlogger.Default.LogMode(gormlogger.Info)))
		}
		store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN, opts...)
		if err != nil {
			return storageBackend{}, err
		}
		keys, err := idempotency.NewGormStore(ctx, store.DB())
		if err != nil {
			_ = store.Close(ctx)
			return storageBackend{}, err
		}
		return storageBackend{registry: store, idempotency: keys}, nil
	case config.StorageBackendMemory:
		return storageBackend{registry: memory.NewStore(), idempotency: idempotency.NewMemoryStore()}, nil
	default:
		return storageBackend{}, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

func clientOptions(cfg config.Config) []option.ClientOption {
	if path := strings.TrimSpace(cfg.Firebase.CredentialsFile); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// secretManagerCheck resolves a probe secret; a missing secret still proves Secret Manager answered.
func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	const probe = "secret://system-healthz?version=latest"
	return repositories.DependencyCheck{
		Name:     "secret_manager",
		Timeout:  time.Second,
		Optional: true,
		Check: func(ctx context.Context) error {
			_, err := fetcher.ResolveSecret(ctx, probe)
			if err == nil || errors.Is(err, secrets.ErrSecretNotFound) || status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		},
	}
}

func buildPushMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("push audience not configured; internal routes will reject requests")
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		logger.Warn("push issuers not configured; any Google issuer is accepted")
	}
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
	verifier := auth.NewPushVerifier(cache, logger)
	return verifier.RequirePushToken(audience, cfg.Security.OIDC.Issuers, cfg.PubSub.PushServiceAccounts)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists secrets that must resolve; the in-memory backend runs without them.
func requiredSecretNames(env map[string]string) []string {
	backend := strings.ToLower(strings.TrimSpace(env["API_STORAGE_BACKEND"]))
	if backend == config.StorageBackendMemory {
		return nil
	}
	required := []string{"PSP.StripeAPIKey", "PSP.StripeWebhookSecret"}
	if backend == config.StorageBackendPostgres {
		required = append(required, "Storage.PostgresDSN")
	}
	return required
}
