// Package api hosts the HTTP handlers that front the VodForge REST API.
//
// The handlers assembled by Handler coordinate request validation and
// response shaping while delegating pipeline work to the collaborators
// injected at construction time: the upload coordinator for session and
// chunk lifecycle, storage.Repository implementations for state reads, the
// media collector for sweeps and disk stats, and the live gateway for the
// event socket. The package does not reach for globals or singletons and
// expects callers to supply fully configured dependencies.
//
// Queue depth and health probes are also injected so availability checks can
// be served without coupling the package to specific runtime wiring. This
// keeps endpoint behaviour testable and aligned with the wider service
// architecture.
//
// Handler implementations assume upstream middleware from internal/server
// has already enforced request identity, rate limiting, metrics, and logging
// concerns. New routes should preserve that contract by avoiding duplicate
// validation and by leaning on the middleware guarantees established in the
// server stack.
package api
