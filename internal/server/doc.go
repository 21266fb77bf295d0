// Package server assembles the VodForge HTTP surface: upload intake, the
// video catalog, queue and storage introspection, HLS delivery, and the live
// event websocket, all behind one multiplexer.
//
// Every route passes through the same middleware chain of request IDs,
// logging, audit, metrics, security headers, CORS, and rate limiting so
// handlers share common instrumentation and protections.
package server
