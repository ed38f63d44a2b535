package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sheikh-saqib/fablab-ledger/internal/config"
	"github.com/sheikh-saqib/fablab-ledger/internal/events/kafka"
	interfaces "github.com/sheikh-saqib/fablab-ledger/internal/interfaces"
	"github.com/sheikh-saqib/fablab-ledger/internal/ledger"
	"github.com/sheikh-saqib/fablab-ledger/internal/logging"
	"github.com/sheikh-saqib/fablab-ledger/internal/metrics"
	"github.com/sheikh-saqib/fablab-ledger/internal/models"
	"github.com/sheikh-saqib/fablab-ledger/internal/settlement"
	"github.com/sheikh-saqib/fablab-ledger/internal/storage/memory"
	"github.com/sheikh-saqib/fablab-ledger/internal/storage/postgres"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const systemActor = "system"

func main() {
	configPath := flag.String("config", os.Getenv("LEDGER_CONFIG"), "path to the YAML config file")
	settleID := flag.String("settle", "", "settle the given fablog and exit")
	verify := flag.Bool("verify", false, "replay the balance chain of every account and exit")
	flag.Parse()

	config.LoadEnv(logrus.StandardLogger())

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
	log := logging.WithService(logger, cfg.Service)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, db, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open store")
	}
	if db != nil {
		defer db.Close()
	}

	collector := metrics.NewCollector(cfg.Service, version)

	var publisher interfaces.EventPublisher = interfaces.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := kp.Close(); err != nil {
				log.WithError(err).Warn("Failed to close event publisher")
			}
		}()
		publisher = kp
		log.WithField("brokers", cfg.Kafka.Brokers).Info("Publishing events to Kafka")
	} else {
		log.Info("No Kafka brokers configured, events are dropped")
	}

	ledgerService := ledger.NewLedger(store, ledger.WithLogger(log))
	if err := bootstrapAccounts(ctx, ledgerService, cfg.Bootstrap.Accounts, log); err != nil {
		log.WithError(err).Fatal("Failed to bootstrap accounts")
	}
	if err := bootstrapCurrencies(ctx, ledgerService, cfg.Bootstrap.Currencies, log); err != nil {
		log.WithError(err).Fatal("Failed to bootstrap currencies")
	}

	coordinator := settlement.NewCoordinator(store, ledgerService, cfg,
		settlement.WithLogger(log),
		settlement.WithPublisher(publisher),
		settlement.WithMetrics(collector),
	)

	switch {
	case *settleID != "":
		if err := settleOnce(ctx, coordinator, *settleID, log); err != nil {
			log.WithError(err).Fatal("Settlement failed")
		}
		return
	case *verify:
		if err := verifyAccounts(ctx, ledgerService, log); err != nil {
			log.WithError(err).Fatal("Balance chain verification failed")
		}
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(db, ledgerService))
	mux.Handle("/metrics", collector.Handler())

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTP.Addr).Info("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Graceful shutdown failed")
	}
}

func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (interfaces.LedgerStore, *sql.DB, error) {
	switch cfg.Store.Driver {
	case "postgres":
		db, err := postgres.Connect(ctx, postgres.Config{
			URL:             cfg.Store.DatabaseURL,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Store.ConnMaxLifetimeMinutes) * time.Minute,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return postgres.NewPostgresLedgerStore(db), db, nil
	default:
		log.Warn("Using in-memory store, data is lost on restart")
		return memory.NewMemoryLedgerStore(), nil, nil
	}
}

func bootstrapAccounts(ctx context.Context, l *ledger.Ledger, accounts []config.AccountConfig, log logrus.FieldLogger) error {
	for _, a := range accounts {
		acc, err := l.EnsureAccount(ctx, models.Account{Number: a.Number, Name: a.Name, IsDefault: a.Default}, systemActor)
		if err != nil {
			return err
		}
		if a.Default && !acc.IsDefault {
			if err := l.SetDefault(ctx, a.Number); err != nil {
				log.WithError(err).WithField("account", a.Number).Warn("Could not make bootstrap account the default")
			}
		}
	}
	return nil
}

func bootstrapCurrencies(ctx context.Context, l *ledger.Ledger, currencies []config.CurrencyConfig, log logrus.FieldLogger) error {
	for _, c := range currencies {
		cur, err := l.EnsureCurrency(ctx, models.Currency{
			Abbreviation:   c.Abbreviation,
			Name:           c.Name,
			FractionalName: c.FractionalName,
			IsDefault:      c.Default,
		})
		if err != nil {
			return err
		}
		if c.Default && !cur.IsDefault {
			if err := l.SetDefaultCurrency(ctx, c.Abbreviation); err != nil {
				log.WithError(err).WithField("currency", c.Abbreviation).Warn("Could not make bootstrap currency the default")
			}
		}
	}
	return nil
}

func settleOnce(ctx context.Context, c *settlement.Coordinator, fablogID string, log logrus.FieldLogger) error {
	result, err := c.Settle(ctx, fablogID)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"fablog_id": result.FablogID,
		"bookings":  len(result.Bookings),
		"closed":    result.Closed,
		"dues":      result.Dues.StringFixed(2),
	}).Info("Fablog settled")
	return nil
}

func verifyAccounts(ctx context.Context, l *ledger.Ledger, log logrus.FieldLogger) error {
	accounts, err := l.Accounts(ctx)
	if err != nil {
		return err
	}
	var failed []error
	for _, acc := range accounts {
		if err := l.VerifyChain(ctx, acc.Number); err != nil {
			log.WithError(err).WithField("account", acc.Number).Error("Balance chain broken")
			failed = append(failed, err)
			continue
		}
		log.WithField("account", acc.Number).Info("Balance chain ok")
	}
	return errors.Join(failed...)
}

func healthHandler(db *sql.DB, l *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				status, code = "database unavailable", http.StatusServiceUnavailable
			}
		}
		if _, err := l.DefaultAccount(r.Context()); err != nil && code == http.StatusOK {
			status = "no default account"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status, "version": version})
	}
}
