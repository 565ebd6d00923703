package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pdca/backend/internal/offline"
	"github.com/spf13/viper"
)

// The kiosk binary runs next to the till: it accepts charges from the
// operator UI over loopback, buffers them durably when the backend is out of
// reach, and drains the buffer as soon as connectivity returns.
func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.SetEnvPrefix("")

	viper.BindEnv("kiosk.api_url", "KIOSK_API_URL")
	viper.BindEnv("kiosk.api_token", "KIOSK_API_TOKEN")
	viper.BindEnv("kiosk.data_dir", "KIOSK_DATA_DIR")
	viper.BindEnv("kiosk.listen_addr", "KIOSK_LISTEN_ADDR")
	viper.BindEnv("kiosk.probe_interval", "KIOSK_PROBE_INTERVAL")

	viper.SetDefault("kiosk.api_url", "http://localhost:8080")
	viper.SetDefault("kiosk.data_dir", "./kiosk-data")
	viper.SetDefault("kiosk.listen_addr", "127.0.0.1:9090")
	viper.SetDefault("kiosk.probe_interval", "30s")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	store, err := offline.NewFileStore(viper.GetString("kiosk.data_dir"))
	if err != nil {
		log.Fatalf("Failed to open charge store: %v", err)
	}

	apiClient := offline.NewAPIClient(
		viper.GetString("kiosk.api_url"),
		viper.GetString("kiosk.api_token"),
	)

	queue, err := offline.NewQueue(store, apiClient, nil)
	if err != nil {
		log.Fatalf("Failed to load charge queue: %v", err)
	}
	if n := queue.PendingCount(); n > 0 {
		log.Printf("[QUEUE] Loaded %d pending charge(s) from disk", n)
	}

	monitor := offline.NewMonitor(queue, viper.GetDuration("kiosk.probe_interval"), apiClient.Healthy)
	submitter := offline.NewSubmitter(queue, apiClient, monitor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	// Local admin surface, loopback only
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/", offline.NewAdminHandler(queue, submitter).Routes())

	server := &http.Server{
		Addr:         viper.GetString("kiosk.listen_addr"),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Kiosk listening on %s, backend %s", server.Addr, viper.GetString("kiosk.api_url"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Kiosk server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Kiosk shutting down...")
	cancel()
	submitter.Flush()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Kiosk forced to shutdown:", err)
	}

	log.Println("Kiosk stopped")
}
