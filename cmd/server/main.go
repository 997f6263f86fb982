package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/billingportal/account"
	"github.com/dmitrymomot/billingportal/billing"
	"github.com/dmitrymomot/billingportal/pkg/config"
	"github.com/dmitrymomot/billingportal/pkg/email"
	"github.com/dmitrymomot/billingportal/pkg/httpserver"
	"github.com/dmitrymomot/billingportal/pkg/httpx"
	"github.com/dmitrymomot/billingportal/pkg/logger"
	"github.com/dmitrymomot/billingportal/pkg/pg"
	"github.com/dmitrymomot/billingportal/pkg/redis"
)

type appConfig struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"billingportal"`

	// Optional infrastructure. Leaving these off degrades gracefully: dedup
	// and the event archive become no-ops, email goes to local files.
	DedupEnabled bool   `env:"WEBHOOK_DEDUP_ENABLED" envDefault:"true"`
	MongoURL     string `env:"MONGO_URL"`
	MongoDB      string `env:"MONGO_DB" envDefault:"billingportal"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", logger.Error(err))
		os.Exit(1)
	}
}

func run() error {
	var (
		appCfg     appConfig
		pgCfg      pg.Config
		redisCfg   redis.Config
		emailCfg   email.Config
		httpCfg    httpserver.Config
		stripeCfg  billing.StripeConfig
		paddleCfg  billing.PaddleConfig
		billingCfg billing.ServiceConfig
		accountCfg account.ServiceConfig
		sessionCfg account.SessionConfig
	)
	config.MustLoad(&appCfg)
	config.MustLoad(&pgCfg)
	config.MustLoad(&redisCfg)
	config.MustLoad(&emailCfg)
	config.MustLoad(&httpCfg)
	config.MustLoad(&billingCfg)
	config.MustLoad(&accountCfg)
	config.MustLoad(&sessionCfg)

	log := logger.New(logger.WithEnvironment(appCfg.Environment, appCfg.ServiceName))
	logger.SetAsDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres is the only hard dependency.
	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		return err
	}

	var dedup billing.EventDeduplicator = billing.NopDeduplicator{}
	if appCfg.DedupEnabled {
		redisClient, err := redis.Connect(ctx, redisCfg)
		if err != nil {
			return err
		}
		defer redisClient.Close() //nolint:errcheck
		dedup = billing.NewRedisDeduplicator(redisClient, 0)
	}

	var archive billing.EventArchive = billing.NopEventArchive{}
	if appCfg.MongoURL != "" {
		mongoClient, err := mongo.Connect(options.Client().ApplyURI(appCfg.MongoURL))
		if err != nil {
			return fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		defer mongoClient.Disconnect(context.Background()) //nolint:errcheck
		archive = billing.NewMongoEventArchive(mongoClient.Database(appCfg.MongoDB))
	}

	var mailer email.Sender
	if emailCfg.PostmarkServerToken != "" {
		mailer, err = email.NewPostmarkSender(emailCfg)
		if err != nil {
			return err
		}
	} else {
		log.Warn("postmark token not set, writing emails to local files")
		mailer = email.NewDevSender(emailCfg.DevOutputDir)
	}

	provider, err := buildProvider(billingCfg.ProviderName, stripeCfg, paddleCfg, log)
	if err != nil {
		return err
	}

	catalog, err := billing.LoadPlanCatalog(billingCfg.PlanCatalogPath)
	if err != nil {
		return err
	}

	subscriptions := billing.NewPGSubscriptionStore(pool)
	directory := billing.NewPGCustomerDirectory(pool)
	accounts := account.NewPGStore(pool)

	reconciler := billing.NewReconciler(provider, subscriptions, log)
	go func() {
		if err := reconciler.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("reconciler stopped", logger.Error(err))
		}
	}()

	billingSvc := billing.NewService(provider, subscriptions, directory, catalog, reconciler, billingCfg, log)
	processor := billing.NewWebhookProcessor(provider, subscriptions, dedup, archive, reconciler, log)
	accountSvc := account.NewService(accounts, provider, directory, mailer, accountCfg, log)

	sessions, err := account.NewSessionManager(sessionCfg)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", httpserver.HealthCheckHandler(ctx, log, pg.Healthcheck(pool)))
	r.Mount("/api/account", account.Router(accountSvc, sessions))
	r.Mount("/api/billing", billing.Router(billing.RouterConfig{
		Service:         billingSvc,
		Processor:       processor,
		Auth:            sessions.Middleware,
		Identity:        identityResolver(accountSvc),
		SignatureHeader: provider.SignatureHeader(),
	}))

	srv := httpserver.NewFromConfig(httpCfg, httpserver.WithLogger(log))
	return srv.Run(ctx, r)
}

func buildProvider(name string, stripeCfg billing.StripeConfig, paddleCfg billing.PaddleConfig, log *slog.Logger) (billing.PaymentProvider, error) {
	switch name {
	case "stripe", "":
		config.MustLoad(&stripeCfg)
		return billing.NewStripeProvider(stripeCfg, log)
	case "paddle":
		config.MustLoad(&paddleCfg)
		return billing.NewPaddleProvider(paddleCfg)
	default:
		return nil, fmt.Errorf("unknown billing provider: %s", name)
	}
}

// identityResolver adapts the session context and account profile into the
// identity billing handlers need for checkout.
func identityResolver(svc *account.Service) func(r *http.Request) (billing.Identity, error) {
	return func(r *http.Request) (billing.Identity, error) {
		accountID, ok := account.AccountIDFromContext(r.Context())
		if !ok {
			return billing.Identity{}, httpx.ErrUnauthorized
		}
		acc, err := svc.Profile(r.Context(), accountID)
		if err != nil {
			return billing.Identity{}, err
		}
		return billing.Identity{
			AccountID: acc.ID,
			Email:     acc.Email,
			Name:      acc.Name,
		}, nil
	}
}
