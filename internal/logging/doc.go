// Package logging owns process-wide leveled logging.
//
// Ownership boundary:
// - printf-style helpers over a shared zerolog logger
// - runtime and test profiles
// - STANZA_LOG_* environment overrides
//
// Admin HTTP access logs are built in observability.
package logging
