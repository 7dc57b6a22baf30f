// Package config handles configuration loading for edge-agent.
//
// # Overview
//
// Configuration comes from three layers, later layers winning:
//
//  1. An optional YAML or TOML file, chosen by extension
//  2. Environment variables (a .env file in the working directory is loaded first)
//  3. Role defaults for anything still unset
//
// No file at all is valid: a sensor node starts with defaults alone.
//
// # Environment Variable Expansion
//
// File values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to an empty string.
//
// # Duration Parsing
//
// Durations use Go's time.ParseDuration syntax:
//
//	sensor:
//	  poll_interval: "5s"
//	coordinator:
//	  timeout: "2m"
//
// # Roles
//
// The sensor role (default id jetson-site-a, port 8080) polls a sensor
// source and raises anomalies. The control role (default id
// macmini-control, port 8081) keeps the historical window and answers
// analysis requests. Either role can run any sensor source.
//
// # Environment Overrides
//
//	EDGE_AGENT_ID, EDGE_ROLE, EDGE_HOST, EDGE_PORT, EDGE_PEER_URL
//	EDGE_POLL_INTERVAL, EDGE_SENSOR_SOURCE, SERIAL_PORT
//	EDGE_TEMP_DELTA, EDGE_ECO2, EDGE_TVOC, EDGE_AQI
//	EDGE_WINDOW_HOURS, EDGE_LOG_FILE, EDGE_LOCATION
//	OLLAMA_URL, LFM_MODEL
//	OTEL_EXPORTER_OTLP_ENDPOINT
//
// # Example
//
//	agent:
//	  role: control
//	  id: macmini-control
//	server:
//	  port: 8081
//	  grpc_addr: "0.0.0.0:50051"
//	peer:
//	  url: "http://jetson.local:8080"
//	history:
//	  window_hours: 24
//	ledger:
//	  backend: sqlite
//	  path: "data/macmini_agent.db"
//	reasoner:
//	  enabled: true
//	  url: "http://localhost:11434"
//	  model: "lfm2.5-thinking"
//	metrics:
//	  enabled: true
package config
