package canon

import "testing"

func TestCanonicalizeKeyOrdering(t *testing.T) {
	v1, _ := New(map[string]interface{}{"b": 1.0, "a": 2.0})
	v2, _ := New(map[string]interface{}{"a": 2.0, "b": 1.0})
	if Canonicalize(v1) != Canonicalize(v2) {
		t.Fatalf("canonical form must be independent of construction order: %q vs %q", Canonicalize(v1), Canonicalize(v2))
	}
	if got, want := Canonicalize(v1), `{"a":2,"b":1}`; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestCanonicalizeIntegerFormatting(t *testing.T) {
	v, _ := New(map[string]interface{}{"n": 10.0})
	if got, want := Canonicalize(v), `{"n":10}`; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestCanonicalizeRoundTripStable(t *testing.T) {
	v, _ := New(map[string]interface{}{
		"actionType": "ads.campaign.pause",
		"parameters": map[string]interface{}{"campaignId": "camp_123", "amount": 10.5},
		"nested":     []interface{}{1.0, 2.0, map[string]interface{}{"z": 1.0, "a": 2.0}},
	})
	first := Canonicalize(v)
	reparsed, err := New(v.ToInterface())
	if err != nil {
		t.Fatal(err)
	}
	second := Canonicalize(reparsed)
	if first != second {
		t.Fatalf("canonicalize(parse(canonicalize(x))) != canonicalize(x): %q vs %q", first, second)
	}
}

func TestHashDeterministic(t *testing.T) {
	a, _ := New(map[string]interface{}{"x": 1.0, "y": "z"})
	b, _ := New(map[string]interface{}{"y": "z", "x": 1.0})
	if Hash(a) != Hash(b) {
		t.Fatal("hash must be order-independent over map construction")
	}
}

func TestValueGet(t *testing.T) {
	v, _ := New(map[string]interface{}{
		"parameters": map[string]interface{}{"campaignId": "camp_123"},
	})
	got, ok := v.Get("parameters.campaignId")
	if !ok || got.String() != "camp_123" {
		t.Fatalf("Get failed: %v %v", got, ok)
	}
	if _, ok := v.Get("parameters.missing"); ok {
		t.Fatal("expected missing path to fail")
	}
}
