// Copyright 2025 ModelMux
// SPDX-License-Identifier: Apache-2.0

// Command modelmux runs the provider orchestration service: discovers
// configured AI providers, starts the background health monitor, and
// serves the generation and operations endpoints.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/modelmux/modelmux/orchestrator/ai"
	"github.com/modelmux/modelmux/shared/security"
	"github.com/modelmux/modelmux/shared/vault"

	// Vendor adapters register their factories in init().
	_ "github.com/modelmux/modelmux/orchestrator/ai/anthropic"
	_ "github.com/modelmux/modelmux/orchestrator/ai/bedrock"
	_ "github.com/modelmux/modelmux/orchestrator/ai/compat"
	_ "github.com/modelmux/modelmux/orchestrator/ai/openai"
)

type server struct {
	registry *ai.Registry
	resolver *ai.Resolver
	executor *ai.Executor
	stats    *ai.StatsStore
	monitor  *ai.HealthMonitor

	// baseCtx outlives any single request; async work spawned from a
	// handler must not inherit the request context, which dies when
	// the handler returns.
	baseCtx context.Context
}

func main() {
	log.Println("Starting ModelMux orchestrator...")

	cfg := ai.LoadManagerConfigFromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stats := ai.NewStatsStore(cfg.UnhealthyMinRequests, cfg.UnhealthyErrorRate)
	registry := ai.NewRegistry(stats)
	registry.Discover()

	resolverOpts := []ai.ResolverOption{}
	if db := openDatabase(); db != nil {
		defer db.Close()
		resolverOpts = append(resolverOpts, ai.WithStorage(ai.NewPostgresStorage(db)))
	}
	resolver := ai.NewResolver(registry, resolverOpts...)

	builder := ai.NewAdapterBuilder(
		ai.WithCredentialResolver(buildVaultChain(ctx)),
		ai.WithURLValidation(urlValidation(cfg.Environment)),
	)

	metrics := ai.NewMetrics(prometheus.DefaultRegisterer)

	executorOpts := []ai.ExecutorOption{ai.WithMetrics(metrics)}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		limiter, err := ai.NewRedisRateLimiter(redisURL, nil)
		if err != nil {
			log.Printf("WARNING: Redis unavailable, using in-memory rate limiting: %v", err)
			executorOpts = append(executorOpts, ai.WithRateLimiter(ai.NewMemoryRateLimiter()))
		} else {
			defer limiter.Close()
			executorOpts = append(executorOpts, ai.WithRateLimiter(limiter))
		}
	}

	executor := ai.NewExecutor(registry, resolver, ai.NewSelector(stats),
		builder, stats, cfg, executorOpts...)

	monitor := ai.NewHealthMonitor(registry, builder, stats, metrics, cfg.HealthCheckTimeout)
	monitor.Start(ctx, cfg.HealthCheckInterval)

	s := &server{
		registry: registry,
		resolver: resolver,
		executor: executor,
		stats:    stats,
		monitor:  monitor,
		baseCtx:  ctx,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/api/v1/generate/text", s.generateTextHandler).Methods("POST")
	r.HandleFunc("/api/v1/generate/image", s.generateImageHandler).Methods("POST")
	r.HandleFunc("/api/v1/providers/status", s.providerStatusHandler).Methods("GET")
	r.HandleFunc("/api/v1/providers/reload", s.reloadHandler).Methods("POST")
	r.HandleFunc("/api/v1/orgs/{org_id}/cache", s.invalidateHandler).Methods("DELETE")

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      c.Handler(r),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		log.Printf("ModelMux listening on port %s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// openDatabase connects to Postgres when DATABASE_URL is set. The
// service runs without persistence, serving default assignments only.
func openDatabase() *sql.DB {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Println("DATABASE_URL not set; per-organization assignments disabled")
		return nil
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Printf("WARNING: cannot open database: %v", err)
		return nil
	}
	if err := db.Ping(); err != nil {
		log.Printf("WARNING: cannot reach database: %v", err)
		db.Close()
		return nil
	}
	log.Println("Connected to Postgres")
	return db
}

// buildVaultChain assembles the credential resolver: AES vault from
// MODELMUX_VAULT_KEY plus Secrets Manager when AWS is configured.
func buildVaultChain(ctx context.Context) vault.Resolver {
	var aesVault *vault.AESVault
	if key := os.Getenv("MODELMUX_VAULT_KEY"); key != "" {
		v, err := vault.NewAESVaultFromBase64(key)
		if err != nil {
			log.Printf("WARNING: invalid MODELMUX_VAULT_KEY, encrypted credentials will fail: %v", err)
		} else {
			aesVault = v
		}
	}

	var secrets vault.Resolver
	if os.Getenv("AWS_REGION") != "" || os.Getenv("AWS_DEFAULT_REGION") != "" {
		sm, err := vault.NewSecretsManagerResolver(ctx, vault.SecretsManagerOptions{})
		if err != nil {
			log.Printf("WARNING: Secrets Manager unavailable, ARN credentials will fail: %v", err)
		} else {
			secrets = sm
		}
	}

	return vault.NewChainResolver(aesVault, secrets)
}

func urlValidation(environment string) security.URLValidationOptions {
	env := security.EnvProduction
	if environment != "production" {
		env = security.EnvDevelopment
	}
	return security.DefaultURLValidationOptions(env)
}

type generateTextPayload struct {
	OrgID        string  `json:"org_id"`
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Model        string  `json:"model,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	Structured   bool    `json:"structured,omitempty"`
}

func (s *server) generateTextHandler(w http.ResponseWriter, r *http.Request) {
	var payload generateTextPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	result, err := s.executor.GenerateText(r.Context(), payload.OrgID, ai.TextRequest{
		Prompt:       payload.Prompt,
		SystemPrompt: payload.SystemPrompt,
		Model:        payload.Model,
		MaxTokens:    payload.MaxTokens,
		Temperature:  payload.Temperature,
		Structured:   payload.Structured,
	})
	if err != nil {
		writeOrchestrationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type generateImagePayload struct {
	OrgID  string `json:"org_id"`
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Size   string `json:"size,omitempty"`
	Count  int    `json:"count,omitempty"`
}

func (s *server) generateImageHandler(w http.ResponseWriter, r *http.Request) {
	var payload generateImagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	result, err := s.executor.GenerateImage(r.Context(), payload.OrgID, ai.ImageRequest{
		Prompt: payload.Prompt,
		Model:  payload.Model,
		Size:   payload.Size,
		Count:  payload.Count,
	})
	if err != nil {
		writeOrchestrationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// providerStatusHandler reports every provider with its live stats.
func (s *server) providerStatusHandler(w http.ResponseWriter, _ *http.Request) {
	type providerStatus struct {
		*ai.Provider
		Stats ai.ProviderStats `json:"stats"`
	}

	snapshot := s.stats.Snapshot()
	out := make(map[string]providerStatus)
	for name, p := range s.registry.List() {
		status := providerStatus{Provider: p}
		if st, ok := snapshot[name]; ok {
			status.Stats = st
		} else {
			status.Stats = ai.ProviderStats{Healthy: true}
		}
		out[name] = status
	}
	writeJSON(w, http.StatusOK, out)
}

// reloadHandler re-runs discovery, resetting runtime statistics.
func (s *server) reloadHandler(w http.ResponseWriter, _ *http.Request) {
	discovered := s.registry.Reload()
	s.resolver.InvalidateAll()
	go s.monitor.ProbeAll(s.baseCtx)
	writeJSON(w, http.StatusOK, map[string]int{"providers": len(discovered)})
}

// invalidateHandler drops an organization's cached assignments; the
// management plane calls this after any provider or assignment change.
func (s *server) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org_id"]
	s.resolver.Invalidate(orgID)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARNING: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeOrchestrationError maps error codes onto HTTP statuses.
func writeOrchestrationError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch ai.ErrorCode(err) {
	case ai.ErrCodeConfigurationMissing:
		status = http.StatusServiceUnavailable
	case ai.ErrCodeCancelled:
		status = http.StatusRequestTimeout
	case ai.ErrCodeCapabilityUnsupported:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  ai.ErrorCode(err),
	})
}
