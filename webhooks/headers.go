package webhooks

import (
	"strings"

	"github.com/goliatone/go-txcoord/core"
)

// EventIDExtractor recovers a provider event id for enqueue inputs that
// arrive without one.
type EventIDExtractor func(in core.EnqueueWebhookInput) (string, bool)

// HeaderEventID reads the first non-empty header among names.
func HeaderEventID(names ...string) EventIDExtractor {
	keys := append([]string(nil), names...)
	return func(in core.EnqueueWebhookInput) (string, bool) {
		for _, key := range keys {
			if value := HeaderValue(in.Headers, key); value != "" {
				return value, true
			}
		}
		return "", false
	}
}

func ChainEventIDExtractors(extractors ...EventIDExtractor) EventIDExtractor {
	list := append([]EventIDExtractor(nil), extractors...)
	return func(in core.EnqueueWebhookInput) (string, bool) {
		for _, extractor := range list {
			if extractor == nil {
				continue
			}
			if value, ok := extractor(in); ok && strings.TrimSpace(value) != "" {
				return strings.TrimSpace(value), true
			}
		}
		return "", false
	}
}

// DefaultEventIDExtractor checks delivery metadata first, then the delivery
// headers common providers send.
func DefaultEventIDExtractor(in core.EnqueueWebhookInput) (string, bool) {
	for _, key := range []string{"delivery_id", "message_id"} {
		if value := strings.TrimSpace(in.Metadata.String(key)); value != "" {
			return value, true
		}
	}
	return HeaderEventID(
		"X-Delivery-Id",
		"X-GitHub-Delivery",
		"Paypal-Transmission-Id",
		"X-Shopify-Webhook-Id",
		"X-Goog-Message-Number",
	)(in)
}

// HeaderValue looks up key case-insensitively.
func HeaderValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	key = strings.TrimSpace(key)
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
