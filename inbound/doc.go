// Package inbound drains the webhook inbox into registered handlers.
//
// Handlers are keyed by (provider, endpoint). Each claimed event runs as its
// own goroutine behind a weighted semaphore, and its HandlerResult decides
// whether the inbox row completes, retries, or fails.
package inbound
