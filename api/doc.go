// Package api assembles the TaskMesh HTTP surface.
//
// # API Overview
//
// TaskMesh exposes a RESTful API for:
//   - Task submission, delegation, progress and completion
//   - Agent registration, heartbeats and capability statistics
//   - Conflict inspection and strategy-based resolution
//   - Negotiation message history
//   - Load statistics and advisory rebalancing
//   - Health monitoring and metrics
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// All domain endpoints live under the /api/v1 prefix; health probes
// (/health, /ready, /version) are served at the root.
//
// NewRouter wires the handlers in the handlers subpackage onto a
// net/http ServeMux using method-qualified route patterns.
package api
