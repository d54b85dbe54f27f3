package pruv

import (
	"encoding/json"
	"testing"
)

func TestCanonicalJSONKeyOrder(t *testing.T) {
	a, err := CanonicalJSON(json.RawMessage(`{"b":1,"a":{"d":4,"c":3}}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalJSON(json.RawMessage(`{"a":{"c":3,"d":4},"b":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical forms differ: %s != %s", a, b)
	}
}

func TestHashStateDeterministic(t *testing.T) {
	s1 := State{Schema: "order", Data: json.RawMessage(`{"id":1,"status":"open"}`)}
	s2 := State{Schema: "order", Data: json.RawMessage(`{"status":"open","id":1}`)}

	h1, err := HashState(s1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashState(s2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("key order changed the digest: %s != %s", h1, h2)
	}
	if len(h1) != HashSize {
		t.Fatalf("expected %d hex chars, got %d", HashSize, len(h1))
	}
}

func TestHashStateSchemaMatters(t *testing.T) {
	data := json.RawMessage(`{"id":1}`)
	h1, err := HashState(State{Schema: "order", Data: data})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashState(State{Schema: "invoice", Data: data})
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("different schemas must not collide")
	}
}

func TestHashStateEmptyData(t *testing.T) {
	h1, err := HashState(State{})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := HashState(State{Data: json.RawMessage(`null`)})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("empty data must hash like null: %s != %s", h1, h2)
	}
}

func TestGenesisHashShape(t *testing.T) {
	if len(GenesisHash) != HashSize {
		t.Fatalf("genesis sentinel has %d chars, want %d", len(GenesisHash), HashSize)
	}
	for _, c := range GenesisHash {
		if c != '0' {
			t.Fatalf("genesis sentinel must be all zeros, found %q", c)
		}
	}
}
