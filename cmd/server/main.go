package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ridedispatch/internal/api"
	"ridedispatch/internal/auth"
	"ridedispatch/internal/config"
	"ridedispatch/internal/dispatch"
	"ridedispatch/internal/geo"
	"ridedispatch/internal/logging"
	"ridedispatch/internal/notify"
	"ridedispatch/internal/storage"
)

func main() {
	envFile := flag.String("env", ".env", "env file loaded when APP_ENV=local")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
	log.Info("server stopped")
}

// backend is the storage selected at startup.
type backend struct {
	repo     dispatch.Repository
	events   dispatch.EventLogger
	idem     dispatch.IdempotencyStore
	purge    func(context.Context) (int64, error)
	identity *storage.IdentityStore
	close    func()
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.close()

	geoIndex, closeGeo := openGeo(ctx, cfg, log)
	defer closeGeo()
	hydrateGeo(ctx, be.repo, geoIndex, log)

	hub := dispatch.NewHub(log)
	publishers := dispatch.Publishers{hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaRideTopic, cfg.KafkaNotificationTopic, log)
		defer kp.Close()
		publishers = append(publishers, kp)
		log.WithField("brokers", cfg.KafkaBrokers).Info("publishing ride updates to kafka")
	}

	deps := dispatch.Deps{
		Repo:      be.repo,
		Geo:       geoIndex,
		Publisher: publishers,
		Events:    be.events,
		Idem:      be.idem,
		Logger:    log,
	}
	coordinator := dispatch.NewCoordinator(deps, dispatch.Config{
		RadiusKM:        cfg.MatchRadiusKM,
		CandidateLimit:  cfg.MatchCandidateLimit,
		AutoAssignScore: cfg.AutoAssignScore,
		ScanFactor:      dispatch.DefaultConfig().ScanFactor,
	})
	coordinator.SetIdempotencyTTL(cfg.IdempotencyTTL)

	g, gctx := errgroup.WithContext(ctx)

	var redispatcher dispatch.Redispatcher
	if cfg.NSQDAddr != "" {
		nsqR, err := notify.NewNSQRedispatcher(cfg.NSQDAddr, cfg.NSQRedispatchTopic)
		if err != nil {
			return err
		}
		defer nsqR.Stop()
		consumer, err := notify.StartRedispatchConsumer(cfg.NSQDAddr, cfg.NSQRedispatchTopic,
			&notify.RedispatchHandler{Runner: coordinator, Log: log.WithField("component", "redispatch")}, cfg.RedispatchWorkers)
		if err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			consumer.Stop()
			<-consumer.StopChan
			return nil
		})
		redispatcher = nsqR
		log.WithField("nsqd", cfg.NSQDAddr).Info("re-dispatch via nsq")
	} else {
		queue := dispatch.NewQueue(coordinator, cfg.RedispatchWorkers, cfg.RedispatchQueue, log)
		g.Go(func() error {
			queue.Run(gctx)
			return nil
		})
		redispatcher = queue
	}

	sweeper := dispatch.NewSweeper(deps, redispatcher, cfg.ResponseTimeout, cfg.SweepInterval)
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if be.purge != nil {
		g.Go(func() error {
			purgeIdempotencyKeys(gctx, be.purge, cfg.IdempotencyTTL, log)
			return nil
		})
	}

	authOpts := buildAuth(ctx, cfg, be.identity, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(api.RequestLogger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-User-ID", "X-User-Role"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	api.AttachRoutes(r, api.Services{
		Coordinator: coordinator,
		Responses:   dispatch.NewResponseHandler(deps, redispatcher),
		Lifecycle:   dispatch.NewLifecycle(deps),
		Directory:   dispatch.NewDirectory(deps),
		Hub:         hub,
	}, authOpts, log)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("dispatch API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openBackend(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (backend, error) {
	if cfg.DatabaseURL == "" {
		log.Info("using in-memory persistence")
		mem := storage.NewMemory()
		return backend{repo: mem, events: mem, idem: mem, close: func() {}}, nil
	}
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := storage.DefaultPool(initCtx, cfg.DatabaseURL)
	if err != nil {
		return backend{}, err
	}
	if err := storage.ApplySchema(initCtx, pool); err != nil {
		pool.Close()
		return backend{}, err
	}
	log.Info("using PostgreSQL persistence")
	pg := storage.NewPostgres(pool)
	idem := storage.NewIdempotencyStore(pool, cfg.IdempotencyTTL)
	return backend{
		repo:     pg,
		events:   pg,
		idem:     idem,
		purge:    idem.Purge,
		identity: storage.NewIdentityStore(pool),
		close:    pool.Close,
	}, nil
}

func openGeo(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (dispatch.GeoIndex, func()) {
	if cfg.RedisURL == "" {
		return geo.NewInMemoryGeo(), func() {}
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Warn("redis URL parse error, geo fallback to in-memory")
		return geo.NewInMemoryGeo(), func() {}
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("redis unreachable, geo fallback to in-memory")
		client.Close()
		return geo.NewInMemoryGeo(), func() {}
	}
	log.Info("using Redis geo index")
	return geo.NewIndex(client), func() { client.Close() }
}

type hydrator interface {
	Hydrate(ctx context.Context, locations map[string]dispatch.Point) error
}

// hydrateGeo loads stored driver positions so a fresh index can match
// immediately after a restart.
func hydrateGeo(ctx context.Context, repo dispatch.Repository, idx dispatch.GeoIndex, log logrus.FieldLogger) {
	h, ok := idx.(hydrator)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	locations, err := repo.ListDriverLocations(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to load driver locations")
		return
	}
	if err := h.Hydrate(ctx, locations); err != nil {
		log.WithError(err).Warn("failed to hydrate geo index")
		return
	}
	log.WithField("drivers", len(locations)).Info("geo index hydrated")
}

func buildAuth(ctx context.Context, cfg config.Config, idDB *storage.IdentityStore, log logrus.FieldLogger) api.AuthOptions {
	opts := api.AuthOptions{TTL: cfg.AuthTTL}
	switch cfg.AuthMode {
	case config.AuthNone:
		log.Warn("auth disabled: callers are identified by X-User-ID and X-User-Role")
		opts.TrustHeaders = true
	case config.AuthJWT:
		opts.JWT = auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
		log.Info("auth: HS256 JWT verification enabled")
	default:
		store := auth.NewInMemoryStore()
		if cfg.AdminToken != "" {
			store.Seed(dispatch.Identity{ID: "admin", Role: dispatch.RoleAdmin, Token: cfg.AdminToken})
		}
		if idDB != nil {
			seedIdentities(ctx, idDB, store, log)
			opts.DB = idDB
		}
		opts.Store = store
		log.Info("auth: in-memory token issuance enabled")
	}
	return opts
}

func seedIdentities(ctx context.Context, db *storage.IdentityStore, mem *auth.InMemoryStore, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	all, err := db.All(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to preload identities")
		return
	}
	for _, ident := range all {
		mem.Seed(ident)
	}
}

func purgeIdempotencyKeys(ctx context.Context, purge func(context.Context) (int64, error), ttl time.Duration, log logrus.FieldLogger) {
	every := ttl
	if every <= 0 || every > time.Hour {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purge(ctx)
			if err != nil {
				log.WithError(err).Warn("idempotency purge failed")
				continue
			}
			if n > 0 {
				log.WithField("keys", n).Debug("expired idempotency keys purged")
			}
		}
	}
}
