package canonicalize

import (
	"bytes"
	"encoding/json"
	"testing"
)

// FuzzCanonicalFixedPoint checks that canonical output is stable: decoding
// it and canonicalizing again yields the same bytes and the same hash.
func FuzzCanonicalFixedPoint(f *testing.F) {
	f.Add([]byte(`{"kind":"note","author":"alice","payload":{"b":2,"a":1}}`))
	f.Add([]byte(`{"entries":{"z":{},"a":[3,1,2]},"head":null}`))
	f.Add([]byte(`{"html":"<b>&</b>","unicode":"こんにちは","emoji":"🚀"}`))
	f.Add([]byte(`{"n":1e21,"m":-0.0,"f":0.000001,"big":12345678901234567890}`))
	f.Add([]byte(`{"":"empty key","é":"é","é":"combining"}`))
	f.Add([]byte(`[{"wrap":{"to":["age1x"],"ct":"AAEC"}},true,null]`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip()
		}
		first, err := JCS(v)
		if err != nil {
			return
		}
		if !json.Valid(first) {
			t.Fatalf("canonical output is not JSON: %s", first)
		}

		var again any
		if err := json.Unmarshal(first, &again); err != nil {
			t.Fatalf("decode canonical output: %v", err)
		}
		second, err := JCS(again)
		if err != nil {
			t.Fatalf("canonical output does not canonicalize: %v", err)
		}
		if !bytes.Equal(first, second) {
			t.Errorf("not a fixed point:\n  first:  %s\n  second: %s", first, second)
		}
		if HashBytes(first) != MustHash(again) {
			t.Errorf("hash of canonical bytes differs from CanonicalHash")
		}
	})
}

// FuzzNormalize checks that Normalize preserves the canonical form.
func FuzzNormalize(f *testing.F) {
	f.Add([]byte(`{"count":5,"items":["a","b"]}`))
	f.Add([]byte(`{"x":1.5e300,"y":[[],{}]}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip()
		}
		want, err := JCSString(v)
		if err != nil {
			return
		}
		n, err := Normalize(v)
		if err != nil {
			t.Fatalf("Normalize failed where JCS succeeded: %v", err)
		}
		got, err := JCSString(n)
		if err != nil {
			t.Fatalf("normalized value does not canonicalize: %v", err)
		}
		if got != want {
			t.Errorf("Normalize changed the canonical form: %q vs %q", got, want)
		}
	})
}
