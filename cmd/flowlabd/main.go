// Command flowlabd is the flowlab graph editing daemon.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowlab/internal/api"
	"flowlab/internal/codegen"
	"flowlab/internal/config"
	"flowlab/internal/genio"
	"flowlab/internal/session"
	"flowlab/internal/store"
)

func main() {
	// Parse flags
	listen := flag.String("listen", "", "Address to listen on (default: :7466)")
	dataDir := flag.String("data", "", "Data directory (default: ./flowlab-data)")
	genURL := flag.String("gen", "", "Code generation service URL (default: http://127.0.0.1:8090)")
	flag.Parse()

	// Load config (flags override env)
	cfg := config.FromArgs(*listen, *dataDir, *genURL)

	log.Printf("flowlabd starting...")
	log.Printf("  listen:       %s", cfg.Listen)
	log.Printf("  data:         %s", cfg.DataDir)
	log.Printf("  gen_url:      %s", cfg.GenURL)
	log.Printf("  gen_timeout:  %s", cfg.GenTimeout)
	log.Printf("  output:       %s", cfg.OutputDir)
	log.Printf("  rules:        %s", cfg.RulesPath)
	log.Printf("  sessions:     %d max, ttl %s", cfg.MaxSessions, cfg.SessionTTL)
	log.Printf("  history:      %d entries", cfg.HistoryLimit)
	log.Printf("  auth:         %v", cfg.AuthEnabled())
	log.Printf("  version:      %s", cfg.Version)

	// Open the store
	db, err := store.OpenDir(cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()

	// Load output rules; a missing file just means defaults
	rules, err := genio.LoadRules(cfg.RulesPath)
	if err != nil {
		log.Fatalf("failed to load rules: %v", err)
	}

	// Generation service client
	gen := codegen.NewClient(cfg.GenURL, cfg.GenTimeout)

	// Event hub and session manager
	hub := api.NewHub()
	mgr := session.NewManager(session.Options{
		DB:           db,
		Generator:    gen,
		OutputDir:    cfg.OutputDir,
		Rules:        rules,
		HistoryLimit: cfg.HistoryLimit,
		MaxSessions:  cfg.MaxSessions,
		TTL:          cfg.SessionTTL,
		OnEvent:      hub.Broadcast,
	})
	defer mgr.Shutdown()

	// Hot-reload the rules file when it changes
	watcher, err := config.WatchFile(cfg.RulesPath, func() {
		r, err := genio.LoadRules(cfg.RulesPath)
		if err != nil {
			log.Printf("reloading rules: %v", err)
			return
		}
		mgr.SetRules(r)
		log.Printf("rules reloaded from %s", cfg.RulesPath)
	})
	if err != nil {
		log.Printf("rules watcher disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	// Auth is optional: no secret means an open daemon
	var tokens *api.TokenService
	if cfg.AuthEnabled() {
		tokens = api.NewTokenService([]byte(cfg.AuthSecret), cfg.AuthIssuer, 0)
	}

	handler := api.NewRouter(mgr, hub, tokens, cfg)

	srv := &http.Server{
		Addr:        cfg.Listen,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// A sync response is held open for the whole generation call.
		WriteTimeout: cfg.GenTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Handle graceful shutdown
	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		hub.Shutdown()

		close(done)
	}()

	log.Printf("flowlabd listening on %s", cfg.Listen)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}

	<-done
	log.Println("flowlabd stopped")
}
