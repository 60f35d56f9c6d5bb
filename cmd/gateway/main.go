// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command gateway starts the AleutianGate admission gateway.
//
// This is the main entry point for the containerized gateway service.
// It reads configuration from environment variables and starts the
// server.
//
// # Environment Variables
//
//   - GATEWAY_PORT: HTTP server port (default: 12310)
//   - GATEWAY_ENV: "production" hardens headers (default: development)
//   - GATEWAY_TRUST_FORWARDED_FOR: accept X-Forwarded-For (default: false)
//   - REDIS_ADDR: guard store address (default: localhost:6379)
//   - REDIS_PASSWORD, REDIS_DB: guard store auth (optional)
//   - RAG_SERVICE_URL: REST chat backend (optional)
//   - OPENAI_API_KEY, OPENAI_BASE_URL: direct backend when RAG URL unset
//   - GATEWAY_MODEL: dispatch model name (default: gpt-4o-mini)
//   - WEAVIATE_SERVICE_URL: enables webhook ingestion (optional)
//   - GATEWAY_NONCE_CACHE_DIR: strict webhook replay cache (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: trace collector (default: localhost:4317)
//   - INFLUX_URL, INFLUX_TOKEN, INFLUX_ORG, INFLUX_BUCKET: cost sink
//   - GATEWAY_GCS_BUCKET, GOOGLE_APPLICATION_CREDENTIALS: ledger archive
//   - GATEWAY_ADMIN_TOKENS: comma-separated admin bearer tokens
//   - GATEWAY_WEBHOOK_SECRET: webhook HMAC key
//   - TURNSTILE_SECRET_KEY: Turnstile siteverify secret
//
// # Usage
//
//	# Build
//	go build -o gateway ./cmd/gateway
//
//	# Run
//	./gateway
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/AleutianAI/AleutianGate/services/gateway"
	"github.com/AleutianAI/AleutianGate/services/usage"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Build configuration from environment variables
	cfg := gateway.Config{
		Port:              getEnvInt("GATEWAY_PORT", 12310),
		Production:        os.Getenv("GATEWAY_ENV") == "production",
		TrustForwardedFor: getEnvBool("GATEWAY_TRUST_FORWARDED_FOR", false),
		RedisAddr:         getEnvString("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RAGServiceURL:     os.Getenv("RAG_SERVICE_URL"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		Model:             getEnvString("GATEWAY_MODEL", "gpt-4o-mini"),
		WeaviateURL:       os.Getenv("WEAVIATE_SERVICE_URL"),
		NonceCacheDir:     os.Getenv("GATEWAY_NONCE_CACHE_DIR"),
		OTelEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		EnableMetrics:     true,
		Usage: usage.Config{
			InfluxURL:    os.Getenv("INFLUX_URL"),
			InfluxToken:  os.Getenv("INFLUX_TOKEN"),
			InfluxOrg:    os.Getenv("INFLUX_ORG"),
			InfluxBucket: os.Getenv("INFLUX_BUCKET"),
			GCSBucket:    os.Getenv("GATEWAY_GCS_BUCKET"),
			GCSKeyPath:   os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		},
	}

	slog.Info("Starting gateway",
		"port", cfg.Port,
		"redis_addr", cfg.RedisAddr,
		"rag_url", cfg.RAGServiceURL,
		"model", cfg.Model,
	)

	// Create gateway with default (no-op) extension options.
	// Enterprise builds pass custom ServiceOptions here.
	svc, err := gateway.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Gateway error: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
