// Package dedupe tracks idempotency keys so a retried turn submission is
// recognised instead of executed twice.
package dedupe
