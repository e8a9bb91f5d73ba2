package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"txprocessor/internal/balance"
	"txprocessor/internal/clients/messaging"
	operatorclient "txprocessor/internal/clients/operator"
	"txprocessor/internal/clients/security"
	"txprocessor/internal/contract"
	"txprocessor/internal/estate"
	"txprocessor/internal/eventsourcing"
	"txprocessor/internal/float"
	"txprocessor/internal/merchant"
	"txprocessor/internal/middleware"
	"txprocessor/internal/operator"
	"txprocessor/internal/projection"
	"txprocessor/internal/reconciliation"
	"txprocessor/internal/repository/memory"
	"txprocessor/internal/repository/mongo"
	"txprocessor/internal/repository/postgres"
	"txprocessor/internal/settlement"
	"txprocessor/internal/statement"
	"txprocessor/internal/transaction"
	"txprocessor/internal/voucher"
	"txprocessor/pkg/cache"
	"txprocessor/pkg/config"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"
	"txprocessor/pkg/mailer"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"
)

// pinger reports whether a backing store is reachable.
type pinger func(ctx context.Context) error

func main() {
	cfg := config.Load()
	log := logger.NewWithLevel(cfg.Service.Name, cfg.Service.LogLevel)

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info("Starting transaction processor", map[string]interface{}{
		"port":       cfg.Server.Port,
		"eventstore": cfg.EventStore.Backend,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, checks, closeStore := openEventStore(ctx, cfg, log)
	defer closeStore()

	// Read models
	var projector balance.Projector = projection.Nop{}
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(ctx, cfg.Redis)
		if err != nil {
			log.Warn("Redis unavailable, read models disabled", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			defer redisCache.Close()
			projector = projection.NewWriter(redisCache, cfg.Service.Name, cfg.Redis.ReadModelTTL, log)
			checks["redis"] = redisCache.Ping
		}
	}

	// Aggregate repositories
	coordinator := eventsourcing.NewCoordinator(cfg.Cache, log)
	retrier := eventsourcing.NewRetrier(cfg.Retry, log)

	estates := eventsourcing.NewCachedRepository(estate.NewRepository(store, log), coordinator)
	operators := eventsourcing.NewCachedRepository(operator.NewRepository(store, log), coordinator)
	contracts := eventsourcing.NewCachedRepository(contract.NewRepository(store, log), coordinator)
	merchants := eventsourcing.NewCachedRepository(merchant.NewRepository(store, log), coordinator)
	depositLists := merchant.NewDepositListRepository(store, log)
	balances := balance.NewRepository(store, log)
	floats := float.NewRepository(store, log)
	floatActivity := float.NewActivityRepository(store, log)
	vouchers := voucher.NewRepository(store, log)
	statements := statement.NewRepository(store, log)
	settlements := settlement.NewRepository(store, log)
	transactions := transaction.NewRepository(store, log)
	reconciliations := reconciliation.NewRepository(store, log)

	// Outbound clients
	var users security.UserProvisioner = security.Unconfigured{}
	if cfg.Security.TokenURL != "" {
		users = security.NewClient(cfg.Security, security.NewTokenManager(cfg.Security, log), log)
	}
	messages := messaging.NewClient(mailer.New(mailer.Config{
		Host:     cfg.Email.SMTPHost,
		Port:     cfg.Email.SMTPPort,
		Username: cfg.Email.SMTPUsername,
		Password: cfg.Email.SMTPPassword,
		From:     cfg.Email.SMTPFrom,
		UseTLS:   cfg.Email.SMTPUseTLS,
	}), log)

	// Services
	operatorService := operator.NewService(operators, estates, retrier, log)
	estateService := estate.NewService(estates, operatorService, users, retrier, log)
	contractService := contract.NewService(contracts, estates, store, retrier, log)
	balanceService := balance.NewService(balances, merchants, projector, retrier, log)
	merchantService := merchant.NewService(merchants, depositLists, estates, operators, contracts, balanceService, users, retrier, log)
	floatService := float.NewService(floats, floatActivity, contracts, estates, retrier, log)
	voucherService := voucher.NewService(vouchers, estates, store, projector, voucher.NewRandomSource(time.Now().UnixNano()), retrier, log)
	statementService := statement.NewService(statements, merchants, messages, retrier, log)
	settlementService := settlement.NewService(
		settlements,
		store,
		transaction.NewFeeSettler(transactions, retrier, log),
		balanceService,
		statementService,
		projector,
		retrier,
		log,
	)

	registry := operatorclient.NewRegistry(log)
	registry.Register("Voucher", operatorclient.NewVoucherProxy(voucherService, log))
	for _, name := range cfg.Operators.PassThrough {
		registry.Register(name, operatorclient.PassThroughProxy{})
	}

	transactionService := transaction.NewService(transaction.Stores{
		Transactions:    transactions,
		Reconciliations: reconciliations,
		Estates:         estates,
		Merchants:       merchants,
		Contracts:       contracts,
		Operators:       operators,
	}, transaction.Collaborators{
		Operators:   registry,
		Devices:     merchantService,
		Settlements: settlementService,
		Balances:    balanceService,
		Floats:      floatService,
		Statements:  statementService,
		Receipts:    messages,
	}, retrier, log)

	// Router
	r := mux.NewRouter()
	r.Use(middleware.Recovery(log))
	r.Use(middleware.CorrelationID)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.NewLoggingMiddleware(log).Log)

	r.HandleFunc("/health", healthCheck(cfg.Service.Name)).Methods("GET")
	r.HandleFunc("/ready", readyCheck(cfg.Service.Name, checks)).Methods("GET")
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/estates/{id}", getByID(estateService.GetEstate)).Methods("GET")
	api.HandleFunc("/operators/{id}", getByID(operatorService.GetOperator)).Methods("GET")
	api.HandleFunc("/contracts/{id}", getByID(contractService.GetContract)).Methods("GET")
	api.HandleFunc("/merchants/{id}", getByID(merchantService.GetMerchant)).Methods("GET")
	api.HandleFunc("/merchants/{id}/balance", getByID(balanceService.GetMerchantBalance)).Methods("GET")
	api.HandleFunc("/floats/{id}", getByID(floatService.GetFloat)).Methods("GET")
	api.HandleFunc("/statements/{id}", getByID(statementService.GetStatement)).Methods("GET")
	api.HandleFunc("/settlements/{id}", getByID(settlementService.GetSettlement)).Methods("GET")
	api.HandleFunc("/transactions/{id}", getByID(transactionService.GetTransaction)).Methods("GET")
	api.HandleFunc("/settlements/process", processSettlements(settlementService)).Methods("POST")

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", map[string]interface{}{
			"address": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down transaction processor...", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Cache.Enabled {
		g.Go(func() error {
			return coordinator.Run(gctx, cfg.Cache.SlidingExpiration)
		})
	}
	if cfg.Settlement.WorkerEnabled {
		g.Go(func() error {
			return settlement.NewWorker(settlementService, cfg.Settlement.WorkerInterval, log).Run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal("Transaction processor stopped with error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	log.Info("Transaction processor stopped gracefully", nil)
}

// openEventStore connects the configured backend and returns its readiness checks.
func openEventStore(ctx context.Context, cfg *config.Config, log logger.Logger) (eventsourcing.EventStore, map[string]pinger, func()) {
	checks := map[string]pinger{}

	switch cfg.EventStore.Backend {
	case config.BackendPostgres:
		db, err := sqlx.Connect("postgres", cfg.EventStore.PostgresURL)
		if err != nil {
			log.Fatal("Failed to connect to database", map[string]interface{}{
				"error": err.Error(),
			})
		}
		db.SetMaxOpenConns(cfg.EventStore.MaxOpenConns)
		db.SetMaxIdleConns(cfg.EventStore.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.EventStore.ConnMaxLifetime)
		checks["postgres"] = db.PingContext
		return postgres.NewEventStore(db), checks, func() { db.Close() }

	case config.BackendMongo:
		client, err := mongo.NewClient(cfg.EventStore)
		if err != nil {
			log.Fatal("Failed to connect to MongoDB", map[string]interface{}{
				"error": err.Error(),
			})
		}
		store := mongo.NewEventStore(client.Database())
		if err := store.EnsureIndexes(ctx); err != nil {
			log.Fatal("Failed to create event store indexes", map[string]interface{}{
				"error": err.Error(),
			})
		}
		checks["mongo"] = client.Ping
		return store, checks, func() { client.Close() }

	default:
		log.Warn("Using in-memory event store; events are lost on restart", nil)
		return memory.NewEventStore(), checks, func() {}
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func healthCheck(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": service})
	}
}

func readyCheck(service string, checks map[string]pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for name, ping := range checks {
			if err := ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "not ready",
					"reason": name + " unavailable",
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": service})
	}
}

func statusFor(err error) int {
	switch {
	case pkgerrors.Is(err, pkgerrors.ErrNotFound):
		return http.StatusNotFound
	case pkgerrors.Is(err, pkgerrors.ErrInvalid):
		return http.StatusBadRequest
	case pkgerrors.Is(err, pkgerrors.ErrForbidden):
		return http.StatusForbidden
	case pkgerrors.Is(err, pkgerrors.ErrConflict), pkgerrors.Is(err, pkgerrors.ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// getByID serves a read by the {id} path variable.
func getByID[T any](get func(ctx context.Context, id uuid.UUID) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(mux.Vars(r)["id"])
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
			return
		}
		resp, err := get(r.Context(), id)
		if err != nil {
			writeJSON(w, statusFor(err), map[string]string{"error": pkgerrors.Reason(err)})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func processSettlements(svc *settlement.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := svc.ProcessPendingSettlements(r.Context(), time.Now().UTC())
		if err != nil {
			writeJSON(w, statusFor(err), map[string]string{"error": pkgerrors.Reason(err)})
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}
