/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the water billing engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load the billing config (JSON file or defaults)
  3. Initialize SQLite store
  4. Wire builder, service, metrics, handlers
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: waterbill.db)
           Use ":memory:" for an in-memory database
  -config  Billing config JSON file (tariff, due day, penalty policy).
           Omit to use the standard HOA defaults.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database and a client config
  ./server -db="./data/waterbill.db" -config="./configs/las-palmas.json"

  # Run with in-memory database
  ./server -db=":memory:"

SEE ALSO:
  - api/server.go: Router configuration
  - factory/config.go: Billing config schema
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hoaworks/waterbill/api"
	"github.com/hoaworks/waterbill/billing"
	"github.com/hoaworks/waterbill/factory"
	"github.com/hoaworks/waterbill/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "waterbill.db", "SQLite database path")
	configPath := flag.String("config", "", "billing config JSON file (empty for defaults)")
	flag.Parse()

	// Billing config
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load billing config: %v", err)
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire engine
	builder := billing.NewBuilder(store, cfg)
	service := billing.NewService(store, builder, cfg)
	metrics := api.NewMetrics()
	handler := api.NewHandler(service, builder, store, metrics)
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://localhost:%d", *port)
		log.Printf("API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

func loadConfig(path string) (billing.Config, error) {
	f := factory.NewConfigFactory()
	if path == "" {
		return f.ParseConfig(factory.StandardHOAJSON("28.50", "150.00"))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return billing.Config{}, err
	}
	return f.ParseConfig(string(data))
}
