package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/talosprotocol/talos-governance-agent/pkg/agent"
	"github.com/talosprotocol/talos-governance-agent/pkg/capability"
	"github.com/talosprotocol/talos-governance-agent/pkg/config"
	"github.com/talosprotocol/talos-governance-agent/pkg/observability"
	"github.com/talosprotocol/talos-governance-agent/pkg/recovery"
	"github.com/talosprotocol/talos-governance-agent/pkg/sessioncache"
	"github.com/talosprotocol/talos-governance-agent/pkg/statemachine"
	"github.com/talosprotocol/talos-governance-agent/pkg/statestore"
	"github.com/talosprotocol/talos-governance-agent/pkg/tgaerr"
)

// ANSI colors, matched to the banner style this agent's wiring was
// learned from.
const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorBlue  = "\033[34m"
	colorGreen = "\033[32m"
	colorGray  = "\033[37m"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server", "serve":
		startServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sTalos Governance Agent%s\n", colorBold+colorBlue, colorReset)
	fmt.Fprintf(w, "%sA capability is never trusted twice.%s\n", colorGray, colorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	fmt.Fprintln(w, "  tga <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  server   Run the agent sidecar (default)")
	fmt.Fprintln(w, "  health   Check sidecar health (HTTP)")
	fmt.Fprintln(w, "  help     Show this help")
	fmt.Fprintln(w, "")
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8081/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(out, "OK")
	return 0
}

// openStore opens the configured store, falling back to a local SQLite
// file under data/ when the agent is running in lite mode rather than
// against a provisioned database path.
func openStore(ctx context.Context, cfg *config.Config) (*statestore.Store, error) {
	path := cfg.DBPath
	if cfg.IsLiteMode() {
		if err := os.MkdirAll("data", 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		path = filepath.Join("data", "tga.db")
	}
	return statestore.Open(ctx, path)
}

func runServer() {
	fmt.Fprintf(os.Stdout, "%sTalos Governance Agent starting...%s\n", colorBold+colorBlue, colorReset)
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	defer store.Close()

	sm := statemachine.New(store)

	result, err := recovery.Run(ctx, store, sm, recovery.AlwaysExpired, time.Now())
	if err != nil {
		var fatal *tgaerr.Fatal
		if errors.As(err, &fatal) {
			tgaerr.Exit(fatal)
			return
		}
		log.Fatalf("Recovery failed: %v", err)
	}
	log.Printf("[tga] recovery: %d records, %d traces, %d orphans resolved, %d authorizations expired",
		result.RecordCount, result.TraceCount, len(result.RecoveredOrphans), len(result.ExpiredAuthorizations))

	verifier := capability.New(cfg.SupervisorPublicKey, cfg.Identity, cfg.ClockSkew)

	sessions, err := sessioncache.New(cfg.SessionCacheSize)
	if err != nil {
		log.Fatalf("Failed to init session cache: %v", err)
	}

	obsConfig := observability.DefaultConfig()
	obsConfig.Enabled = cfg.OTelEnabled
	if cfg.OTelEndpoint != "" {
		obsConfig.OTLPEndpoint = cfg.OTelEndpoint
	}
	obs, err := observability.New(ctx, obsConfig)
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}
	defer func() {
		if err := obs.Shutdown(ctx); err != nil {
			slog.Error("observability shutdown failed", "error", err)
		}
	}()

	bridge := agent.NewBridge(verifier, sessions, sm, obs)
	_ = bridge // wired for the outer protocol server to call into; not served here

	fmt.Fprintf(os.Stdout, "%sIdentity: %s%s\n", colorBold+colorGreen, cfg.Identity, colorReset)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	go func() {
		log.Printf("[tga] health server: :8081")
		//nolint:gosec // intentionally listening on all interfaces
		if err := http.ListenAndServe(":8081", healthMux); err != nil {
			log.Printf("[tga] health server error: %v", err)
		}
	}()

	log.Println("[tga] ready")
	log.Println("[tga] press ctrl+c to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[tga] shutting down")
}
