// Package gateway serves the orchestrator over HTTP and gRPC.
//
// # Overview
//
// The Gateway owns the store, the execution runtime, the conversation lock
// and the memory backend, wires them into a conversation.Service and exposes
// that service to clients. New builds every part from configuration;
// Assemble accepts ready-made parts, which is how tests run the full stack
// over an in-process runtime.
//
// # HTTP API
//
// Turns:
//
//	POST /api/turns                          submit a turn, stream events (SSE)
//
// The body carries message, conversation_id, session_id, agent_id,
// memory_labels, include_memory and tools_enabled. An optional
// Idempotency-Key header rejects replays. Admission failures are answered
// before the stream opens:
//
//	400  empty message or invalid body
//	409  conversation busy, or duplicate idempotency key
//	503  shutting down
//
// Each SSE frame is
//
//	event: <type>
//	id: <seq>
//	data: <json>
//
// and the stream ends after exactly one done or error event.
//
// WebSocket:
//
//	GET /ws
//
// Clients send JSON messages with an action: "chat" with the same fields as
// the POST /api/turns body plus idempotency_key, "get_memory" with agent_id
// and memory_labels, or "ping". The server greets with a connected frame and
// answers with {event, seq, data} frames carrying the SSE event vocabulary,
// memory_context or pong. One turn runs per socket at a time; a second chat
// while one runs gets an error frame with code busy. Rejected chats and
// malformed messages get error frames with code rejected or invalid_request
// and leave the socket open. Closing the socket cancels the running turn.
//
// Conversations:
//
//	GET    /api/conversations
//	GET    /api/conversations/{id}
//	DELETE /api/conversations/{id}
//	GET    /api/conversations/{id}/turns
//	GET    /api/conversations/{id}/turns/{n}   includes the persisted events
//	GET    /api/conversations/{id}/sessions
//	GET    /api/conversations/{id}/events      live events of running turns (SSE)
//
// Memory:
//
//	GET    /api/memory                 list blocks (agent_id, label, limit)
//	POST   /api/memory                 upsert one block
//	POST   /api/memory/bulk            upsert many blocks
//	GET    /api/memory/context         rendered context (format=html for HTML)
//	GET    /api/memory/search?q=
//	GET    /api/memory/captures        capture audit plus queue counters
//	GET    /api/memory/{label}/{key}
//	DELETE /api/memory/{label}/{key}
//
// Health:
//
//	GET /health          liveness
//	GET /health/ready    503 once shutdown has begun
//	GET /metrics         Prometheus, when metrics.enabled
//
// # gRPC
//
// The hearth.v1.Turns service has one server-streaming method, Submit. The
// request and every response are google.protobuf.Struct values mirroring
// the JSON forms above. The standard grpc.health.v1 service is registered
// alongside it.
//
// # Listeners
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens on :80 (HTTP) and :50051 (gRPC). Otherwise it listens on
// server.http_addr and, when set, server.grpc_addr.
//
// # Shutdown
//
// Shutdown marks health as not serving, stops admitting turns, waits for
// in-flight turns to persist and drains the capture queue before it stops
// the servers and closes the store.
package gateway
