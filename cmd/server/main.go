package main

import (
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aeolun/chatterbox/pkg/database"
	"github.com/aeolun/chatterbox/pkg/server"
	flag "github.com/spf13/pflag"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", "~/.chatterbox/config.toml", "Path to config file")
	port := flag.IntP("port", "p", 0, "TCP port to listen on (overrides config)")
	sshPort := flag.Int("ssh-port", -1, "SSH port to listen on, 0 disables (overrides config)")
	httpPort := flag.Int("http-port", -1, "HTTP port for /ws, /metrics and /health, 0 disables (overrides config)")
	dbPath := flag.String("db", "", "Path to the SQLite presence ledger, \"none\" disables (overrides config)")
	pprofAddr := flag.String("pprof", "", "Serve pprof on this address (e.g. localhost:6060)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("Chatterbox Server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	resolvedConfigPath, err := server.ExpandHome(*configPath)
	if err != nil {
		log.Fatalf("Failed to resolve config path: %v", err)
	}
	if absPath, err := filepath.Abs(resolvedConfigPath); err == nil {
		resolvedConfigPath = absPath
	}

	// Command-line flags override config file
	if *port != 0 {
		config.Server.TCPPort = *port
	}
	if *dbPath == "none" {
		config.Server.DatabasePath = ""
	} else if *dbPath != "" {
		config.Server.DatabasePath = *dbPath
	}

	serverConfig := config.ToServerConfig()
	if *sshPort >= 0 {
		serverConfig.SSHPort = *sshPort
	}
	if *httpPort >= 0 {
		serverConfig.HTTPPort = *httpPort
	}

	srv := server.NewServer(serverConfig, resolvedConfigPath)

	if *debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	log.Printf("Config: %s (resolved to %s, using defaults if not found)", *configPath, resolvedConfigPath)

	finalDBPath, err := config.GetDatabasePath()
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}

	var db *database.DB
	if finalDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(finalDBPath), 0755); err != nil {
			log.Fatalf("Failed to create database directory: %v", err)
		}
		db, err = database.Open(finalDBPath)
		if err != nil {
			log.Fatalf("Failed to open presence ledger: %v", err)
		}
		if closed, err := db.CloseDanglingSessions(); err != nil {
			log.Printf("Warning: failed to close dangling sessions: %v", err)
		} else if closed > 0 {
			log.Printf("Closed %d sessions left open by a previous run", closed)
		}
		srv.SetPresence(db.WriteBuffer, db)
		log.Printf("Presence ledger: %s", finalDBPath)
	} else {
		log.Printf("Presence ledger disabled")
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("Chatterbox server %s started successfully", Version)
	log.Printf("Available connection methods:")
	log.Printf("  - Line protocol (TCP): %s", srv.Addr())
	if serverConfig.SSHPort > 0 {
		log.Printf("  - SSH: port %d (host key %s)", serverConfig.SSHPort, serverConfig.SSHHostKeyPath)
	}
	if serverConfig.HTTPPort > 0 {
		log.Printf("  - WebSocket: port %d (ws://server:%d/ws)", serverConfig.HTTPPort, serverConfig.HTTPPort)
		log.Printf("  - Metrics: http://server:%d/metrics, health: /health", serverConfig.HTTPPort)
	}

	if *pprofAddr != "" {
		go func() {
			log.Printf("Starting pprof server on http://%s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Printf("Error closing presence ledger: %v", err)
		}
	}
	log.Println("Server stopped")
}
