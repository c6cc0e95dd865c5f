package core

import "testing"

func TestRedactSensitiveMapPreservesCorrelationMetadata(t *testing.T) {
	redacted := RedactSensitiveMap(map[string]any{
		"owner_token":    "tok_1",
		"order_id":       "ord_1",
		"api_key":        "key_1",
		"authorization":  "Bearer secret",
		"nested":         map[string]any{"webhook_secret": "whsec", "event_id": "evt_1"},
		"headers":        map[string]string{"X-Signature": "sig", "Content-Type": "application/json"},
		"external_tx_id": "tx_1",
	})

	if redacted["owner_token"] != "tok_1" {
		t.Fatalf("expected owner_token to remain visible, got %#v", redacted["owner_token"])
	}
	if redacted["api_key"] != RedactedValue || redacted["authorization"] != RedactedValue {
		t.Fatalf("expected credentials to be redacted, got %#v", redacted)
	}
	nested, ok := redacted["nested"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested redacted map")
	}
	if nested["webhook_secret"] != RedactedValue || nested["event_id"] != "evt_1" {
		t.Fatalf("unexpected nested redaction: %#v", nested)
	}
	headers, ok := redacted["headers"].(map[string]string)
	if !ok {
		t.Fatalf("expected redacted header map")
	}
	if headers["X-Signature"] != RedactedValue || headers["Content-Type"] != "application/json" {
		t.Fatalf("unexpected header redaction: %#v", headers)
	}
}
