package events

import (
	"encoding/json"
	"testing"
)

func TestDecodePayloadCheckedOut(t *testing.T) {
	raw := json.RawMessage(`{
		"geo_location": {"lat": 21.0285, "lng": 105.8542},
		"distance_from_site_meters": 30.5,
		"attachment_refs": [],
		"warnings": [],
		"note": "gate code 4411"
	}`)
	decoded, err := DecodePayload("checked_out", raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	p, ok := decoded.(*CheckedOutPayload)
	if !ok {
		t.Fatalf("expected *CheckedOutPayload, got %T", decoded)
	}
	if p.DistanceFromSiteMeter != 30.5 {
		t.Fatalf("unexpected distance: %f", p.DistanceFromSiteMeter)
	}
	if p.Note == nil || *p.Note != "gate code 4411" {
		t.Fatalf("unexpected note: %v", p.Note)
	}
	if p.Warnings == nil || len(p.Warnings) != 0 {
		t.Fatalf("expected empty (not absent) warnings, got %v", p.Warnings)
	}
}

func TestDecodePayloadPaymentCollected(t *testing.T) {
	raw := json.RawMessage(`{"payment_id":"6cbb57a0-6a51-4a44-9f6e-0f5f3d4a2c11","amount":"150000.0000","currency":"VND","has_invoice":false}`)
	decoded, err := DecodePayload("payment_collected", raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	p := decoded.(*PaymentCollectedPayload)
	if p.Amount != "150000.0000" || p.Currency != "VND" {
		t.Fatalf("unexpected payment payload: %+v", p)
	}
	if p.HasInvoice {
		t.Fatalf("expected has_invoice=false")
	}
}

func TestDecodePayloadUnknownAction(t *testing.T) {
	if _, err := DecodePayload("reopened", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}
