package wire

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestAccountRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		gen     uint64
		payload []byte
	}{
		{0, nil},
		{42, []byte(`{"balance":10}`)},
		{math.MaxUint64, []byte{0, 1, 2, 3}},
	} {
		gen, p, err := DecodeAccount(EncodeAccount(tc.gen, tc.payload))
		if err != nil {
			t.Fatalf("DecodeAccount: %v", err)
		}
		if gen != tc.gen || !bytes.Equal(p, tc.payload) {
			t.Fatalf("got (%d, %x), want (%d, %x)", gen, p, tc.gen, tc.payload)
		}
	}
}

func TestAccountRejectsDamage(t *testing.T) {
	enc := EncodeAccount(1, []byte("abc"))
	damage := map[string]func([]byte) []byte{
		"magic":    func(b []byte) []byte { b[0] = 'X'; return b },
		"version":  func(b []byte) []byte { b[4] = version + 1; return b },
		"kind":     func(b []byte) []byte { b[5] = kindIndex; return b },
		"short":    func(b []byte) []byte { return b[:len(b)-1] },
		"trailing": func(b []byte) []byte { return append(b, 0xDE, 0xAD) },
		"header":   func(b []byte) []byte { return b[:accountHdr-1] },
		"foreign":  func([]byte) []byte { return []byte("plain value") },
	}
	for name, fn := range damage {
		b := fn(append([]byte(nil), enc...))
		if _, _, err := DecodeAccount(b); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("%s: want ErrCorrupt, got %v", name, err)
		}
	}
}

func TestIndexRoundTrip(t *testing.T) {
	in := []IndexEntry{
		{ID: "6f1c9a52-0000-4000-8000-000000000001", Gen: 1},
		{ID: "6f1c9a52-0000-4000-8000-000000000002", Gen: math.MaxUint64},
	}
	b, err := EncodeIndex(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeIndex(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) || out[0] != in[0] || out[1] != in[1] {
		t.Fatalf("got %+v, want %+v", out, in)
	}

	empty, err := EncodeIndex(nil)
	if err != nil {
		t.Fatal(err)
	}
	if out, err := DecodeIndex(empty); err != nil || len(out) != 0 {
		t.Fatalf("empty index: %v %v", out, err)
	}
}

func TestIndexRejectsDamage(t *testing.T) {
	b, _ := EncodeIndex([]IndexEntry{{ID: "a", Gen: 1}, {ID: "b", Gen: 2}})

	if _, err := DecodeIndex(b[:len(b)-3]); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("truncated: %v", err)
	}
	if _, err := DecodeIndex(append(append([]byte(nil), b...), 0)); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("trailing: %v", err)
	}
	huge := append([]byte(nil), b...)
	huge[6], huge[7], huge[8], huge[9] = 0xFF, 0xFF, 0xFF, 0xFF
	if _, err := DecodeIndex(huge); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("oversized count: %v", err)
	}
	if _, err := DecodeIndex(EncodeAccount(1, nil)); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("wrong kind: %v", err)
	}
	if _, err := EncodeIndex([]IndexEntry{{ID: ""}}); err == nil {
		t.Fatalf("empty id accepted")
	}
}
