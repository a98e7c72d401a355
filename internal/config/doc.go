// Package config provides 12-factor configuration for the realtime client.
//
// Configuration is loaded from environment variables with sensible defaults.
//
// Configuration Sections:
//   - Transport: socket and collaborator API origins, ack timeout
//   - Reconnect: backoff base/growth/cap and retry ceiling
//   - Heartbeat: stale threshold and pong window
//   - Pool: session registry capacity
//   - Notify: dedupe set capacity
//   - Logging: log level and output format
//   - Admin: loopback metrics/health endpoint
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("WS origin: %s\n", cfg.Transport.WSOrigin)
//
// Environment Variables:
//   - WS_ORIGIN, API_ORIGIN, ACK_TIMEOUT
//   - RECONNECT_BASE, RECONNECT_GROWTH, RECONNECT_CAP, RECONNECT_MAX_ATTEMPTS
//   - HEARTBEAT_STALE_AFTER, HEARTBEAT_PONG_WINDOW
//   - POOL_CAPACITY, NOTIFY_DEDUPE_CAPACITY
//   - LOG_LEVEL, LOG_DEV
//   - ADMIN_ADDR, ADMIN_ENABLED
package config
