package main

import (
	"context"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"keylease.org/internal/audit"
	"keylease.org/internal/broker"
	"keylease.org/internal/disclose"
	"keylease.org/internal/exec"
	"keylease.org/internal/httpapi"
	"keylease.org/internal/lease"
	"keylease.org/internal/notify"
	"keylease.org/internal/obs"
)

var version = "0.3.1"

func main() {
	obs.Init()

	vaultAddr := os.Getenv("KEYLEASE_VAULT_ADDR")
	vaultToken := os.Getenv("KEYLEASE_VAULT_TOKEN")
	if vaultAddr == "" || vaultToken == "" {
		log.Fatal("KEYLEASE_VAULT_ADDR and KEYLEASE_VAULT_TOKEN are required")
	}
	leases := lease.NewClient(vaultAddr, vaultToken)

	relCfg := exec.RelationalConfig{
		Host:     getenv("KEYLEASE_PG_HOST", "localhost"),
		Port:     getenvInt("KEYLEASE_PG_PORT", 5432),
		Database: getenv("KEYLEASE_PG_DATABASE", "postgres"),
		SSLMode:  getenv("KEYLEASE_PG_SSLMODE", "disable"),
	}

	// Audit is append-only; a broken audit store is a reason not to start.
	auditSink, err := audit.OpenSQLite(getenv("KEYLEASE_AUDIT_DB", "keylease-audit.db"))
	if err != nil {
		log.Fatalf("open audit store: %v", err)
	}
	defer auditSink.Close()
	recorder := audit.NewRecorder(auditSink)

	var store disclose.Store
	var storeCloser interface{ Close() error }
	if path := os.Getenv("KEYLEASE_TICKET_DB"); path != "" {
		s, err := disclose.OpenSQLite(path)
		if err != nil {
			log.Fatalf("open ticket store: %v", err)
		}
		store = s
		storeCloser = s
	} else {
		store = disclose.NewMemStore()
	}

	sealer, err := loadSealer()
	if err != nil {
		log.Fatalf("ticket sealer: %v", err)
	}
	discloser := disclose.NewService(store, sealer)

	opts := []broker.Option{
		broker.WithExecutor(lease.KindRelational, exec.NewRelational(relCfg)),
		broker.WithExecutor(lease.KindDocument, exec.NewDocument(exec.NewMemDocStore().Connector())),
		broker.WithDiscloser(discloser),
		broker.WithTarget(lease.KindRelational, broker.TargetInfo{
			Host:     relCfg.Host,
			Port:     relCfg.Port,
			Database: relCfg.Database,
		}),
	}
	if url := os.Getenv("KEYLEASE_WEBHOOK_URL"); url != "" {
		opts = append(opts, broker.WithNotifier(notify.New(notify.Config{
			URL:           url,
			TicketBaseURL: os.Getenv("KEYLEASE_TICKET_BASE_URL"),
		})))
	}
	b := broker.New(leases, recorder, opts...)

	api := httpapi.New(httpapi.Config{
		Broker:    b,
		Discloser: discloser,
		Recorder:  recorder,
		Roles: map[lease.Kind]lease.Role{
			lease.KindRelational: {
				Name:    getenv("KEYLEASE_RELATIONAL_ROLE", "keylease-relational"),
				Backend: lease.KindRelational,
			},
			lease.KindDocument: {
				Name:    getenv("KEYLEASE_DOCUMENT_ROLE", "keylease-document"),
				Backend: lease.KindDocument,
			},
		},
		ReadyProbe: httpapi.ReadyProbe{Check: func(ctx context.Context) error {
			_, err := auditSink.ByLease(ctx, "readyz-probe")
			return err
		}},
		Version: version,
	})

	srv := &http.Server{
		Addr:              getenv("KEYLEASE_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Expired, never-viewed tickets are swept so their sealed payloads do not
	// outlive the credentials inside them.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if n, err := discloser.SweepExpired(sweepCtx); err == nil && n > 0 {
					obs.LogEvent("info", "swept expired tickets", map[string]any{"count": n})
				}
			}
		}
	}()

	log.Printf("Starting keylease-broker %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	stopSweep()
	if storeCloser != nil {
		_ = storeCloser.Close()
	}
	log.Println("Stopped")
}

// loadSealer builds the payload sealer from KEYLEASE_TICKET_KEY (hex, 32
// bytes). Without a configured key a random one is generated; tickets then
// survive only as long as the process.
func loadSealer() (*disclose.Sealer, error) {
	raw := os.Getenv("KEYLEASE_TICKET_KEY")
	if raw == "" {
		return disclose.NewRandomSealer(), nil
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	return disclose.NewSealer(key)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
