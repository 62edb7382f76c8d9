// runbatch executes one batch of operations under an ephemeral credential:
// acquire a lease, run the batch, revoke, write the report to disk. The
// credential never appears in flags, output or the report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"keylease.org/internal/audit"
	"keylease.org/internal/broker"
	"keylease.org/internal/exec"
	"keylease.org/internal/lease"
	"keylease.org/internal/obs"
)

func main() {
	var (
		backend   = flag.String("backend", "relational", "target backend kind: relational or document")
		roleName  = flag.String("role", "", "leasing-authority role to acquire the credential under")
		file      = flag.String("file", "", "batch file: .sql statements or a JSON array of document operations")
		out       = flag.String("out", "", "report path (default report_<backend>_<timestamp>.json)")
		actor     = flag.String("actor", "", "audit actor (default cli:<user>)")
		auditPath = flag.String("audit-db", "", "append audit entries to this SQLite file instead of stdout")
		timeout   = flag.Duration("timeout", 10*time.Minute, "overall batch deadline")
	)
	flag.Parse()

	obs.Init()

	kind := lease.Kind(*backend)
	if !kind.Valid() {
		log.Fatalf("unknown backend %q", *backend)
	}
	if *roleName == "" || *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	vaultAddr := os.Getenv("KEYLEASE_VAULT_ADDR")
	vaultToken := os.Getenv("KEYLEASE_VAULT_TOKEN")
	if vaultAddr == "" || vaultToken == "" {
		log.Fatal("KEYLEASE_VAULT_ADDR and KEYLEASE_VAULT_TOKEN are required")
	}

	ops, err := loadOperations(kind, *file)
	if err != nil {
		log.Fatalf("load batch: %v", err)
	}
	if len(ops) == 0 {
		log.Fatalf("no operations in %s", *file)
	}

	var sink audit.Sink = audit.LogSink{}
	if *auditPath != "" {
		s, err := audit.OpenSQLite(*auditPath)
		if err != nil {
			log.Fatalf("open audit store: %v", err)
		}
		defer s.Close()
		sink = s
	}

	b := broker.New(
		lease.NewClient(vaultAddr, vaultToken),
		audit.NewRecorder(sink),
		broker.WithExecutor(lease.KindRelational, exec.NewRelational(exec.RelationalConfig{
			Host:     envOr("KEYLEASE_PG_HOST", "localhost"),
			Port:     envOrInt("KEYLEASE_PG_PORT", 5432),
			Database: envOr("KEYLEASE_PG_DATABASE", "postgres"),
			SSLMode:  envOr("KEYLEASE_PG_SSLMODE", "disable"),
		})),
		broker.WithExecutor(lease.KindDocument, exec.NewDocument(exec.NewMemDocStore().Connector())),
	)

	who := *actor
	if who == "" {
		who = "cli:" + envOr("USER", "unknown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := b.RunBatch(ctx, lease.Role{Name: *roleName, Backend: kind}, who, ops)
	if err != nil {
		log.Fatalf("batch failed: %v", err)
	}

	path := *out
	if path == "" {
		path = fmt.Sprintf("report_%s_%s.json", kind, time.Now().UTC().Format("20060102T150405Z"))
	}
	if err := writeReport(path, result); err != nil {
		log.Fatalf("write report: %v", err)
	}

	fmt.Printf("report written to %s (status: %s)\n", path, result.Report.Status)
	if result.RevocationFailed {
		fmt.Fprintln(os.Stderr, "WARNING: lease revocation failed, manual remediation required")
	}
	if result.Report.Status != exec.StatusSuccess {
		os.Exit(1)
	}
}

// loadOperations reads the batch file. Relational batches are SQL scripts
// split on statement boundaries; document batches are JSON arrays of
// operation requests.
func loadOperations(kind lease.Kind, path string) ([]exec.OperationRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch kind {
	case lease.KindRelational:
		stmts := exec.SplitStatements(string(data))
		ops := make([]exec.OperationRequest, 0, len(stmts))
		for _, s := range stmts {
			ops = append(ops, exec.OperationRequest{SQL: s})
		}
		return ops, nil
	case lease.KindDocument:
		var ops []exec.OperationRequest
		if err := json.Unmarshal(data, &ops); err != nil {
			return nil, fmt.Errorf("parse document batch: %w", err)
		}
		return ops, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

func writeReport(path string, result broker.BatchResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	var n int
	if _, err := fmt.Sscanf(os.Getenv(key), "%d", &n); err == nil && n > 0 {
		return n
	}
	return def
}
