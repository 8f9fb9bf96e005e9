package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/asherpoirier/iptvbcms-sub001/internal/checkout"
	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/gateway"
	"github.com/asherpoirier/iptvbcms-sub001/internal/handlers"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/auth"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/config"
	pfirestore "github.com/asherpoirier/iptvbcms-sub001/internal/platform/firestore"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/idempotency"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/jobs"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/observability"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/secrets"
	"github.com/asherpoirier/iptvbcms-sub001/internal/repositories"
	firestoreRepo "github.com/asherpoirier/iptvbcms-sub001/internal/repositories/firestore"
	"github.com/asherpoirier/iptvbcms-sub001/internal/services"
)

const idempotencyCleanupBatchSize = 100

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := secrets.NewFetcher(ctx, secrets.WithLogger(logger.Named("secrets")))
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.Names()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	repoRegistry, err := firestoreRepo.NewRegistry(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	idempotencyOpts := []idempotency.FirestoreOption{}
	if collection := strings.TrimSpace(cfg.Idempotency.Collection); collection != "" {
		idempotencyOpts = append(idempotencyOpts, idempotency.WithCollection(collection))
	}
	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient, idempotencyOpts...)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			runIdempotencyCleanup(cleanupCtx, idempotencyStore, cfg.Idempotency.CleanupInterval, logger.Named("idempotency"))
		}()
	}

	eventLogger := observability.EventLogger(logger.Named("checkout"))
	idGen := func() string { return ulid.Make().String() }

	gatewayRegistry, err := buildGatewayRegistry(cfg.Gateways, eventLogger, idGen)
	if err != nil {
		logger.Fatal("failed to initialise payment gateways", zap.Error(err))
	}

	couponService, err := services.NewCouponService(services.CouponServiceDeps{
		Coupons: repoRegistry.Coupons(),
		Usages:  repoRegistry.CouponUsages(),
		Clock:   time.Now,
		Logger:  eventLogger,
		IDGen:   idGen,
	})
	if err != nil {
		logger.Fatal("failed to initialise coupon service", zap.Error(err))
	}

	creditService, err := services.NewCreditService(services.CreditServiceDeps{
		Repository: repoRegistry.Credits(),
		Clock:      time.Now,
		Logger:     eventLogger,
		IDGen:      idGen,
	})
	if err != nil {
		logger.Fatal("failed to initialise credit service", zap.Error(err))
	}

	cartService, err := services.NewCartService(services.CartServiceDeps{
		Repository:      repoRegistry.Carts(),
		Coupons:         couponService,
		Credits:         creditService,
		Clock:           time.Now,
		Logger:          eventLogger,
		DefaultCurrency: cfg.Gateways.Currency,
	})
	if err != nil {
		logger.Fatal("failed to initialise cart service", zap.Error(err))
	}

	var provisioningPublisher services.ProvisioningPublisher
	var pubsubClient *pubsub.Client
	if cfg.Jobs.Enabled {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic := pubsubClient.Topic(cfg.Jobs.ProvisioningTopic)
		eventPublisher, err := jobs.NewPubSubProvisioningPublisher(topic)
		if err != nil {
			logger.Fatal("failed to initialise provisioning publisher", zap.Error(err))
		}
		provisioningPublisher, err = services.NewProvisioningPublisher(eventPublisher)
		if err != nil {
			logger.Fatal("failed to wrap provisioning publisher", zap.Error(err))
		}
	}
	defer func() {
		if pubsubClient != nil {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}
	}()

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:         repoRegistry.Orders(),
		Carts:          repoRegistry.Carts(),
		Coupons:        couponService,
		Credits:        creditService,
		Idempotency:    idempotencyStore,
		Publisher:      provisioningPublisher,
		Clock:          time.Now,
		Logger:         eventLogger,
		IDGen:          idGen,
		IdempotencyTTL: cfg.Idempotency.TTL,
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	poller, err := checkout.NewPoller(checkout.PollerConfig{
		Card:   checkout.PollProfile{Interval: cfg.Checkout.CardPollInterval, MaxAttempts: cfg.Checkout.CardMaxAttempts},
		Crypto: checkout.PollProfile{Interval: cfg.Checkout.CryptoPollInterval, MaxAttempts: cfg.Checkout.CryptoMaxAttempts},
		Logger: eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise confirmation poller", zap.Error(err))
	}

	orchestrator, err := checkout.NewOrchestrator(checkout.OrchestratorDeps{
		Carts:      cartService,
		Orders:     orderService,
		Gateways:   gatewayRegistry,
		Sessions:   repoRegistry.GatewaySessions(),
		Poller:     poller,
		Clock:      time.Now,
		Logger:     eventLogger,
		IDGen:      idGen,
		SuccessURL: cfg.Checkout.SuccessURL,
		CancelURL:  cfg.Checkout.CancelURL,
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout orchestrator", zap.Error(err))
	}

	tokenService, err := auth.NewTokenService(auth.TokenServiceConfig{
		Secret: cfg.Auth.JWTSecret,
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.TokenTTL,
	})
	if err != nil {
		logger.Fatal("failed to initialise token service", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(tokenService)

	jwksCache := auth.NewJWKSCache(cfg.Auth.AdminJWKSURL)
	adminValidator := auth.NewAdminValidator(jwksCache, logger.Named("auth"))

	healthRepo, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "firestore", Timeout: 5 * time.Second, Check: firestorePing(firestoreClient)},
	})
	if err != nil {
		logger.Fatal("failed to initialise health repository", zap.Error(err))
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.RequestLoggerMiddleware(cfg.Firestore.ProjectID),
			observability.RecoveryMiddleware(logger),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(handlers.WithReadinessRepository(healthRepo))),
		handlers.WithPublicRoutes(handlers.NewPaymentConfigHandlers(gatewayRegistry, cfg.Gateways, cfg.Checkout).Routes),
		handlers.WithCartRoutes(handlers.NewCartHandlers(authenticator, cartService).Routes),
		handlers.WithOrderRoutes(orderRoutes(
			handlers.NewOrderHandlers(authenticator, orderService),
			handlers.NewCheckoutHandlers(authenticator, orchestrator),
		)),
		handlers.WithPaymentRoutes(handlers.NewCheckoutHandlers(authenticator, orchestrator).Routes),
		handlers.WithAdminRoutes(handlers.NewAdminHandlers(orderService, creditService).Routes),
		handlers.WithAdminMiddlewares(adminValidator.RequireAdminOIDC(cfg.Auth.AdminAudience, cfg.Auth.AdminIssuers)),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		logger.Error("http server error", zap.Error(err))
	case sig := <-stop:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	cleanupCancel()
	cleanupWG.Wait()
	logger.Info("server stopped")
}

// orderRoutes mounts order history and the checkout lifecycle on the same
// authenticated group. OrderHandlers.Routes installs the auth middleware, so
// it must register first.
func orderRoutes(orders *handlers.OrderHandlers, checkoutHandlers *handlers.CheckoutHandlers) handlers.RouteRegistrar {
	return func(r chi.Router) {
		orders.Routes(r)
		checkoutHandlers.OrderRoutes(r)
	}
}

// buildGatewayRegistry constructs the manual adapter unconditionally and the
// provider adapters whose credentials are configured. The enabled and display
// order lists come from configuration, filtered to built adapters.
func buildGatewayRegistry(cfg config.GatewaysConfig, eventLogger gateway.Logger, idGen func() string) (*gateway.Registry, error) {
	adapters := []gateway.Adapter{
		gateway.NewManualAdapter(gateway.ManualAdapterConfig{
			Instructions: cfg.Manual.Instructions["en"],
			Clock:        time.Now,
			Logger:       eventLogger,
			IDGenerator:  idGen,
		}),
	}

	if strings.TrimSpace(cfg.Stripe.SecretKey) != "" {
		adapter, err := gateway.NewStripeAdapter(gateway.StripeAdapterConfig{
			APIKey:      cfg.Stripe.SecretKey,
			Clock:       time.Now,
			Logger:      eventLogger,
			IDGenerator: idGen,
		})
		if err != nil {
			return nil, fmt.Errorf("stripe adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if strings.TrimSpace(cfg.PayPal.ClientID) != "" {
		adapter, err := gateway.NewPayPalAdapter(gateway.PayPalAdapterConfig{
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
			Sandbox:      cfg.PayPal.Sandbox,
			Clock:        time.Now,
			Logger:       eventLogger,
			IDGenerator:  idGen,
		})
		if err != nil {
			return nil, fmt.Errorf("paypal adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if strings.TrimSpace(cfg.Square.AccessToken) != "" {
		adapter, err := gateway.NewSquareAdapter(gateway.SquareAdapterConfig{
			AccessToken:   cfg.Square.AccessToken,
			ApplicationID: cfg.Square.ApplicationID,
			LocationID:    cfg.Square.LocationID,
			Sandbox:       cfg.Square.Sandbox,
			Clock:         time.Now,
			Logger:        eventLogger,
			IDGenerator:   idGen,
		})
		if err != nil {
			return nil, fmt.Errorf("square adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if strings.TrimSpace(cfg.Blockonomics.APIKey) != "" {
		adapter, err := gateway.NewBlockonomicsAdapter(gateway.BlockonomicsAdapterConfig{
			APIKey:                cfg.Blockonomics.APIKey,
			CallbackURL:           cfg.Blockonomics.CallbackURL,
			ConfirmationsRequired: cfg.Blockonomics.Confirmations,
			Clock:                 time.Now,
			Logger:                eventLogger,
			IDGenerator:           idGen,
		})
		if err != nil {
			return nil, fmt.Errorf("blockonomics adapter: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	built := make(map[domain.PaymentMethod]bool, len(adapters))
	for _, adapter := range adapters {
		built[adapter.Method()] = true
	}

	enabled := methodList(cfg.Enabled, built)
	if len(enabled) == 0 {
		for _, adapter := range adapters {
			enabled = append(enabled, adapter.Method())
		}
	}

	return gateway.NewRegistry(gateway.RegistryConfig{
		Adapters:     adapters,
		Enabled:      enabled,
		DisplayOrder: methodList(cfg.DisplayOrder, built),
	})
}

func methodList(raw []string, built map[domain.PaymentMethod]bool) []domain.PaymentMethod {
	methods := make([]domain.PaymentMethod, 0, len(raw))
	for _, value := range raw {
		value = strings.ToLower(strings.TrimSpace(value))
		if !domain.ValidMethod(value) {
			continue
		}
		method := domain.PaymentMethod(value)
		if !built[method] {
			continue
		}
		methods = append(methods, method)
	}
	return methods
}

func runIdempotencyCleanup(ctx context.Context, store *idempotency.FirestoreStore, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), idempotencyCleanupBatchSize)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}

// firestorePing issues a cheap read to confirm the database answers. A clean
// iterator.Done or NotFound still counts as healthy.
func firestorePing(client *firestore.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		iter := client.Collections(ctx)
		if _, err := iter.Next(); err != nil {
			if errors.Is(err, iterator.Done) || status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}
		return nil
	}
}
