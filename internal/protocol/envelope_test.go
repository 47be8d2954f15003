package protocol

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestRoleTaxonomy(t *testing.T) {
	broadcast := []Role{RoleListModels, RoleListModelsResponse, RoleQuoteRequest, RoleQuoteResponse}
	direct := []Role{RoleQuoteAccepted, RoleContractCreated, RoleContractSigned, RoleInferenceResponse}

	for _, r := range broadcast {
		if !BroadcastOnly(r) {
			t.Errorf("BroadcastOnly(%s) = false, want true", r)
		}
		if DirectPreferred(r) {
			t.Errorf("DirectPreferred(%s) = true, want false", r)
		}
		if !Known(r) {
			t.Errorf("Known(%s) = false", r)
		}
	}
	for _, r := range direct {
		if !DirectPreferred(r) {
			t.Errorf("DirectPreferred(%s) = false, want true", r)
		}
		if BroadcastOnly(r) {
			t.Errorf("BroadcastOnly(%s) = true, want false", r)
		}
	}
	if Known("bogus-role") {
		t.Error("Known(bogus-role) = true, want false")
	}
}

func TestSigningBytesIgnoresSignature(t *testing.T) {
	env, err := NewEnvelope(RoleQuoteRequest, "abc123", "WALLETADDR", "", QuoteRequestPayload{
		Model:  "gpt-oss:20b",
		Inputs: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	unsigned, err := env.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes: %v", err)
	}

	env.Signature = "c29tZXNpZ25hdHVyZQ=="
	signed, err := env.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes after signing: %v", err)
	}

	if !bytes.Equal(unsigned, signed) {
		t.Error("signature field leaked into signing bytes")
	}
	if bytes.Contains(signed, []byte("c29tZXNpZ25hdHVyZQ")) {
		t.Error("signing bytes contain signature value")
	}
}

func TestSigningBytesStableAcrossDecode(t *testing.T) {
	// A peer may serialize keys in any order; the canonical form must not care.
	wire := []byte(`{"timestamp":1712345678901,"role":"quote-response","id":"deadbeef",` +
		`"fromWalletAddr":"ADDR","to":"12D3KooWpeer","payload":{"quote":{"totalPrice":0.017,"model":"m"},"model":"m","inputs":[]}}`)

	env, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	first, err := env.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes: %v", err)
	}

	reencoded, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env2, err := Decode(reencoded)
	if err != nil {
		t.Fatalf("Decode re-encoded: %v", err)
	}
	second, err := env2.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes re-encoded: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("signing bytes changed across decode/encode:\n%s\n%s", first, second)
	}
}

func TestSessionID(t *testing.T) {
	body := []byte(`{"model":"gpt-oss:20b","messages":[{"role":"user","content":"hi"}]}`)

	id1, err := SessionID(1712345678901, body)
	if err != nil {
		t.Fatalf("SessionID: %v", err)
	}
	if len(id1) != 56 {
		t.Errorf("SessionID length = %d, want 56", len(id1))
	}

	// Same timestamp and body, different key order: same id.
	reordered := []byte(`{"messages":[{"role":"user","content":"hi"}],"model":"gpt-oss:20b"}`)
	id2, err := SessionID(1712345678901, reordered)
	if err != nil {
		t.Fatalf("SessionID reordered: %v", err)
	}
	if id1 != id2 {
		t.Errorf("session id depends on key order: %s vs %s", id1, id2)
	}

	// Different timestamp: different id.
	id3, err := SessionID(1712345678902, body)
	if err != nil {
		t.Fatalf("SessionID: %v", err)
	}
	if id1 == id3 {
		t.Error("session id identical across timestamps")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := QuoteResponsePayload{
		Model:  "gpt-oss:20b",
		Inputs: []ChatMessage{{Role: "user", Content: "hello"}},
		Quote: Quote{
			Model:           "gpt-oss:20b",
			InputCount:      1,
			TokenCount:      42,
			PricePerMillion: 0.5,
			TotalPrice:      0.000021,
			Addr:            "PROVIDERADDR",
		},
	}
	env, err := NewEnvelope(RoleQuoteResponse, "feedface", "PROVIDERADDR", "12D3KooWcustomer", payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	env.Signature = "c2ln"

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Role != env.Role || got.ID != env.ID || got.Timestamp != env.Timestamp ||
		got.FromWalletAddr != env.FromWalletAddr || got.To != env.To || got.Signature != env.Signature {
		t.Errorf("envelope fields changed in round trip: %+v vs %+v", got, env)
	}

	var gotPayload QuoteResponsePayload
	if err := json.Unmarshal(got.Payload, &gotPayload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if gotPayload.Quote.TotalPrice != payload.Quote.TotalPrice {
		t.Errorf("TotalPrice = %v, want %v", gotPayload.Quote.TotalPrice, payload.Quote.TotalPrice)
	}
}
