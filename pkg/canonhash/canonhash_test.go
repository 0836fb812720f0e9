package canonhash

import (
	"testing"
)

func TestHashDeterministic(t *testing.T) {
	v := map[string]any{"b": 2, "a": "x", "c": []any{1, 2, 3}}
	h1, err := Hash(v)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(v)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}
	if h1[:7] != "sha256:" {
		t.Fatalf("expected sha256 prefix, got %s", h1)
	}
}

func TestKeyOrderIrrelevant(t *testing.T) {
	a := map[string]any{"tenant_id": "t1", "reason_code": "OK"}
	b := map[string]any{"reason_code": "OK", "tenant_id": "t1"}
	ha, _ := Hash(a)
	hb, _ := Hash(b)
	if ha != hb {
		t.Fatal("canonical hash must be independent of key order")
	}
}

func TestValueChangeChangesHash(t *testing.T) {
	ha, _ := Hash(map[string]any{"reason_code": "OK"})
	hb, _ := Hash(map[string]any{"reason_code": "FAIL"})
	if ha == hb {
		t.Fatal("different payloads must hash differently")
	}
}

func TestCanonicalNoHTMLEscaping(t *testing.T) {
	b, err := Canonical(map[string]any{"a": "<&>"})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"a":"<&>"}` {
		t.Fatalf("unexpected canonical form %s", b)
	}
}
