// Package webhooks implements the durable webhook inbox.
//
// Events move through pending -> processing -> completed|failed, with
// retry as the scheduled re-entry point. A (provider, event_id) pair is
// recorded at most once, so redelivery by the provider is absorbed at
// enqueue time.
package webhooks
