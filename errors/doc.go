// Package errors provides structured errors for fleet coordination.
//
// Every failure in the distribution layer carries a code and a category.
// The category drives retry decisions: soft failures (no eligible delegate,
// stale assignment, context version conflict) are retried by the rebalance
// loop and never surface to callers; hard failures (task expired, validation
// failure) are terminal for the affected task or task/delegate pair.
//
// Duplicate deliveries are intentionally suppressed rather than reported,
// so that at-least-once transports below the core stay invisible above it.
package errors
