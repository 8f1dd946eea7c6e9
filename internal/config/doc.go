// Package config handles configuration loading for parley-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	provider:
//	  api_key: "${OPENROUTER_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	provider:
//	  timeout: "60s"
//	session:
//	  idle_ttl: "30m"
//	  sweep_interval: "1m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  shutdown_timeout: "5s"
//
// Database:
//
//	database:
//	  path: "/var/lib/parley/gateway.db"
//
// Provider (OpenAI-compatible endpoint; OpenRouter by default):
//
//	provider:
//	  base_url: "https://openrouter.ai/api/v1"
//	  api_key: "${OPENROUTER_API_KEY}"
//	  model: "openai/gpt-4o-mini"
//	  system_prompt: "You are helpful AI assistant. Answer concisely."
//	  temperature: 0.7
//	  timeout: "60s"
//
// Tailscale (serve the gateway on a tailnet instead of a TCP address):
//
//	tailscale:
//	  enabled: false
//	  hostname: "parley-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Metrics:
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Usage
//
//	cfg, err := config.Load("/etc/parley/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
