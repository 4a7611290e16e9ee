// Package meridian parses meridian command flags and runs the full in-process
// wiring: stores, bus, outbox dispatcher, payment and fulfillment services,
// and the order saga orchestrator, then drives one demo order end to end.
package meridian

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/meridianpay/meridian/internal/contracts"
	"github.com/meridianpay/meridian/internal/eventlog"
	"github.com/meridianpay/meridian/internal/messaging"
	"github.com/meridianpay/meridian/internal/outbox"
	entrypoint "github.com/meridianpay/meridian/internal/platform/cmd"
	"github.com/meridianpay/meridian/internal/platform/config"
	"github.com/meridianpay/meridian/internal/platform/id"
	"github.com/meridianpay/meridian/internal/platform/money"
	fulfillmentapp "github.com/meridianpay/meridian/internal/services/fulfillment/app"
	"github.com/meridianpay/meridian/internal/services/fulfillment/inventory"
	"github.com/meridianpay/meridian/internal/services/order/saga"
	paymentapp "github.com/meridianpay/meridian/internal/services/payment/app"
	"github.com/meridianpay/meridian/internal/services/payment/gateway"
	"github.com/meridianpay/meridian/internal/storage/memory"
	"github.com/meridianpay/meridian/internal/storage/sqlite"
)

// Config holds meridian command configuration.
type Config struct {
	DBPath   string `env:"MERIDIAN_DB_PATH" envDefault:"data/meridian.db"`
	InMemory bool   `env:"MERIDIAN_IN_MEMORY"`

	DemoSKU       string `env:"MERIDIAN_DEMO_SKU" envDefault:"sku-classic-tee"`
	DemoStock     int    `env:"MERIDIAN_DEMO_STOCK" envDefault:"10"`
	DemoQuantity  int    `env:"MERIDIAN_DEMO_QUANTITY" envDefault:"1"`
	DemoAmount    int64  `env:"MERIDIAN_DEMO_AMOUNT_MINOR" envDefault:"10000"`
	DemoCurrency  string `env:"MERIDIAN_DEMO_CURRENCY" envDefault:"USD"`
	DemoCardToken string `env:"MERIDIAN_DEMO_CARD_TOKEN" envDefault:"tok-demo"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.BoolVar(&cfg.InMemory, "memory", cfg.InMemory, "Use the in-memory store instead of SQLite")
	fs.StringVar(&cfg.DemoCardToken, "card-token", cfg.DemoCardToken, "Demo card token (tok-declined and tok-timeout exercise failures)")
	if err := config.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// store is the combined storage surface the wiring needs.
type store interface {
	eventlog.Store
	outbox.Store
	Enqueue(ctx context.Context, messages []messaging.Message) error
}

// Run wires the runtime and drives one demo order through the saga.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMeridian, func(ctx context.Context) error {
		st, sagaStore, cleanup, err := openStores(cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		return runDemo(ctx, cfg, st, sagaStore)
	})
}

func openStores(cfg Config) (store, saga.Store, func(), error) {
	if cfg.InMemory {
		st := memory.NewStore()
		return st, saga.NewMemory(st.Enqueue), func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}
	return st, st.Sagas(), func() { _ = st.Close() }, nil
}

func runDemo(ctx context.Context, cfg Config, st store, sagaStore saga.Store) error {
	bus := messaging.NewBus()

	gw := gateway.WithRetry(&gateway.Stub{TimeoutsBeforeSuccess: 1}, gateway.DefaultMaxAttempts, gateway.DefaultInitialInterval)
	payments, err := paymentapp.NewService(st, gw)
	if err != nil {
		return err
	}
	payments.RegisterHandlers(bus)

	stock := inventory.NewMemory(map[string]int{cfg.DemoSKU: cfg.DemoStock})
	fulfillment, err := fulfillmentapp.NewService(st, stock)
	if err != nil {
		return err
	}
	fulfillment.RegisterHandlers(bus)

	orchestrator, err := saga.NewOrchestrator(sagaStore)
	if err != nil {
		return err
	}
	orchestrator.RegisterHandlers(bus)

	dispatcher := &outbox.Dispatcher{Store: st, Publisher: bus}

	amount, err := money.New(cfg.DemoAmount, cfg.DemoCurrency)
	if err != nil {
		return err
	}
	orderID, err := id.NewID()
	if err != nil {
		return err
	}
	placed, err := contracts.NewMessage(contracts.OrderPlaced, orderID, orderID, contracts.OrderPlacedPayload{
		Amount:    amount,
		CardToken: cfg.DemoCardToken,
		SKU:       cfg.DemoSKU,
		Quantity:  cfg.DemoQuantity,
	})
	if err != nil {
		return err
	}

	log.Printf("placing demo order %s: %s x%d for %s", orderID, cfg.DemoSKU, cfg.DemoQuantity, amount)
	if err := st.Enqueue(ctx, []messaging.Message{placed}); err != nil {
		return err
	}
	if err := settle(ctx, dispatcher); err != nil {
		return err
	}

	state, err := sagaStore.Get(ctx, orderID)
	if err != nil {
		return err
	}
	log.Printf("order %s settled at status %s (payment %s)", orderID, state.Status, state.PaymentID)

	// When the order shipped, simulate the carrier confirming delivery.
	if state.Status == saga.StatusShipped && state.ShipmentID != "" {
		if err := fulfillment.Deliver(ctx, state.ShipmentID, "carrier-demo", placed.ID); err != nil {
			return err
		}
		if err := settle(ctx, dispatcher); err != nil {
			return err
		}
		state, err = sagaStore.Get(ctx, orderID)
		if err != nil {
			return err
		}
	}

	if state.PaymentID != "" {
		p, _, err := payments.Get(ctx, state.PaymentID)
		if err != nil {
			return err
		}
		log.Printf("payment %s: status=%s captured=%s refunded=%s", p.ID, p.Status, p.CapturedAmount, p.TotalRefunded)
	}
	log.Printf("order %s finished at status %s", orderID, state.Status)
	if state.LastError != "" {
		log.Printf("order %s last error: %s", orderID, state.LastError)
	}
	return nil
}

// settle drains the outbox until a pass handles nothing, waiting out retry
// backoff between passes.
func settle(ctx context.Context, dispatcher *outbox.Dispatcher) error {
	for {
		handled, err := dispatcher.Drain(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		if handled == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
