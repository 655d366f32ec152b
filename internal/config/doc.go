// Package config handles configuration loading for coven-chat.
//
// # Configuration File
//
// The CLI resolves the path from COVEN_CHAT_CONFIG, falling back to
// $XDG_CONFIG_HOME/coven/chat.yaml. Files ending in .toml are read as TOML;
// anything else is read as YAML. Both formats use the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"     # API, websocket and health endpoints
//
//	database:
//	  path: "/var/lib/coven/chat.db" # ":memory:" keeps everything in process
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//	  token_ttl: "720h"
//
//	delivery:
//	  subscriber_buffer: 64  # per live subscriber
//	  queue_size: 1024       # broadcast hand-off queue
//	  dedupe_size: 10000     # remembered websocket clientMsgIds
//	  dedupe_ttl: "10m"
//
//	redis:
//	  enabled: false          # relay broadcasts between instances
//	  addr: "localhost:6379"
//	  channel_prefix: "coven-chat"
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-chat"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Validation
//
// Load applies defaults for omitted delivery, metrics and TTL settings, then
// validates required fields and returns the first failure.
package config
