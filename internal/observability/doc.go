// Package observability owns metrics and admin request instrumentation.
//
// Ownership boundary:
// - prometheus collectors for the dispatcher and the admin HTTP surface
// - request-id, access log and request metrics middleware
//
// Route wiring lives in server.
package observability
