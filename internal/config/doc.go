// Package config handles configuration loading for hearth.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension)
// with environment variable expansion. Missing values get defaults and the
// result is validated before use.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from HEARTH_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/hearth/config.yaml
//  3. ~/.config/hearth/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	runtime:
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	  grpc_addr: "127.0.0.1:50051"   # optional
//	  shutdown_timeout: "30s"
//
//	database:
//	  driver: "sqlite"                # sqlite, sqlite3 (cgo) or postgres
//	  path: "./hearth.db"
//	  dsn: "postgres://..."
//
//	memory:
//	  backend: "store"                # store or http (Letta-compatible)
//	  url: "http://localhost:8283"
//	  labels: ["human", "persona", "preferences", "knowledge"]
//	  capture:
//	    queue_size: 256
//	    workers: 2
//	    rate: 5
//
//	runtime:
//	  kind: "echo"                    # echo, anthropic or openai
//	  model: "claude-3-5-sonnet-20241022"
//	  base_url: ""                    # e.g. an OpenRouter endpoint
//
//	lock:
//	  backend: "local"                # local or redis
//	  redis_addr: "localhost:6379"
//	  ttl: "30s"
//
//	orchestrator:
//	  agent_id: "default"
//	  turn_timeout: "10m"
//	  stream_log: "./chat-stream.log"
//	  idempotency_ttl: "10m"
//
//	tracing:
//	  endpoint: "localhost:4318"      # empty disables tracing
//
//	logging:
//	  level: "info"                   # reloaded on file change
//	  format: "text"                  # text or json
//
// # Reloading
//
// WatchLevel follows the file with fsnotify and applies logging.level
// changes to a slog.LevelVar. Other settings take effect on restart.
package config
