package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/plankworks/api/internal/platform/config"
	"github.com/plankworks/api/internal/platform/observability"
	"github.com/plankworks/api/internal/repositories"
	"github.com/plankworks/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Pricing   services.PricingService
	Inventory services.InventoryService
	Carts     services.CartService
	Orders    services.OrderService
	Checkout  services.CheckoutService
	Jobs      services.JobScheduler
	Runner    services.JobRunner
	System    services.SystemService
}

// Infrastructure carries the adapters built by the entry point. Only Registry is required; a
// missing adapter disables the features that depend on it.
type Infrastructure struct {
	Registry repositories.Registry
	Proofs   services.ProofStore
	Payments services.PaymentProvider
	Jobs     services.JobPublisher
	Events   services.OrderEventPublisher
	Checks   []repositories.DependencyCheck
	Build    services.BuildInfo
	Logger   *zap.Logger
	Meter    metric.Meter
	Clock    func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// Counted service events. Finalizations, replays and invariant violations feed alerting.
var countedEvents = []string{
	"checkout.order.created",
	"checkout.finalize.replayed",
	"checkout.invariant.",
	"checkout.cart.reconcile_failed",
	"order.status.changed",
	"order.review.flagged",
}

// NewContainer constructs the runtime dependencies. Production wiring provides real adapters,
// while tests can supply the in-memory registry.
func NewContainer(ctx context.Context, cfg config.Config, infra Infrastructure) (*Container, error) {
	if infra.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: infra.Registry,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services
	reg := infra.Registry

	clock := infra.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := infra.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logEvent, err := observability.CountEvents(observability.NewEventLogger(logger.Named("services")), infra.Meter, countedEvents...)
	if err != nil {
		logger.Warn("service event counter unavailable", zap.Error(err))
	}

	engine := services.NewFurniturePricingEngine()
	svc.Pricing, err = services.NewPricingService(services.PricingServiceDeps{
		Items:  reg.Items(),
		Engine: engine,
		Logger: logEvent,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing service: %w", err)
	}

	svc.Inventory, err = services.NewInventoryService(services.InventoryServiceDeps{
		Inventory: reg.Inventory(),
		Items:     reg.Items(),
		Clock:     clock,
		Logger:    logEvent,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}

	svc.Carts, err = services.NewCartService(services.CartServiceDeps{
		Carts:  reg.Carts(),
		Logger: logEvent,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}

	if infra.Jobs != nil {
		svc.Jobs, err = services.NewBackgroundJobDispatcher(services.BackgroundJobDispatcherDeps{
			Publisher: infra.Jobs,
			Clock:     clock,
			Logger:    logEvent,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build job dispatcher: %w", err)
		}
	}

	svc.Checkout, err = services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:         reg.Orders(),
		Items:          reg.Items(),
		Checkouts:      reg.Checkouts(),
		Inventory:      svc.Inventory,
		Carts:          svc.Carts,
		Payments:       infra.Payments,
		Jobs:           svc.Jobs,
		Events:         infra.Events,
		Pricing:        engine,
		Currency:       cfg.Orders.Currency,
		ShippingFee:    cfg.Orders.ShippingFee,
		PriceTolerance: cfg.Orders.PricingToleranceMinor,
		ConfirmTimeout: cfg.PSP.ConfirmTimeout,
		CheckoutTTL:    cfg.Orders.CheckoutTTL,
		SuccessURL:     cfg.PSP.SuccessURL,
		CancelURL:      cfg.PSP.CancelURL,
		Clock:          clock,
		Logger:         logEvent,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}

	svc.Orders, err = services.NewOrderService(services.OrderServiceDeps{
		Orders: reg.Orders(),
		Proofs: infra.Proofs,
		Clock:  clock,
		Events: infra.Events,
		Logger: logEvent,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	svc.Runner, err = services.NewJobRunner(services.JobRunnerDeps{
		Checkout: svc.Checkout,
		Logger:   logEvent,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build job runner: %w", err)
	}

	checks := append([]repositories.DependencyCheck{{
		Name:    "orders_store",
		Timeout: 1500 * time.Millisecond,
		Check:   reg.Ping,
	}}, infra.Checks...)
	health, err := repositories.NewDependencyHealthRepository(checks, repositories.WithDependencyClock(clock))
	if err != nil {
		return Services{}, fmt.Errorf("build health repository: %w", err)
	}
	svc.System, err = services.NewSystemService(services.SystemServiceDeps{
		Health: health,
		Clock:  clock,
		Build:  infra.Build,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}

	return svc, nil
}
