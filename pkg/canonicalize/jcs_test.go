package canonicalize

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestJCS_Forms(t *testing.T) {
	type commit struct {
		Parent    *string  `json:"parent"`
		Timestamp string   `json:"timestamp"`
		Entries   []string `json:"entries"`
	}
	cases := []struct {
		name string
		in   interface{}
		want string
	}{
		{"sorted keys", map[string]interface{}{"timestamp": "t", "kind": "note", "author": "alice"},
			`{"author":"alice","kind":"note","timestamp":"t"}`},
		{"nested objects sort, arrays keep order", map[string]interface{}{
			"payload": map[string]interface{}{"to": []string{"b", "a"}, "ct": "x"}, "epoch": 2},
			`{"epoch":2,"payload":{"ct":"x","to":["b","a"]}}`},
		{"struct field order ignored", commit{Timestamp: "t", Entries: []string{"e2", "e1"}},
			`{"entries":["e2","e1"],"parent":null,"timestamp":"t"}`},
		{"no html escaping", map[string]string{"note": "<a href=\"x\">&</a>"},
			`{"note":"<a href=\"x\">&</a>"}`},
		{"json.Number kept", map[string]interface{}{"count": json.Number("5.50")}, `{"count":5.5}`},
		{"empty containers", map[string]interface{}{"m": map[string]int{}, "s": []int{}}, `{"m":{},"s":[]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := JCSString(tc.in)
			if err != nil {
				t.Fatalf("JCS: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCanonicalHash_IgnoresConstruction(t *testing.T) {
	type grant struct {
		Scope string `json:"scope"`
		Cap   string `json:"cap"`
		To    string `json:"to"`
	}
	h1, err := CanonicalHash(grant{Scope: "docs", Cap: "read", To: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(map[string]interface{}{"to": "bob", "cap": "read", "scope": "docs"})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("struct and map hash differently: %s != %s", h1, h2)
	}
	b, _ := JCS(map[string]string{"to": "bob"})
	if HashBytes(b) != MustHash(map[string]string{"to": "bob"}) {
		t.Error("HashBytes of canonical bytes differs from MustHash")
	}
}

func TestJCS_UTF16KeyOrder(t *testing.T) {
	// U+FB33 sorts after the surrogate pair of U+1F600 in UTF-16, but before it in UTF-8.
	input := map[string]int{"\uFB33": 1, "\U0001F600": 2}
	expected := `{"` + "\U0001F600" + `":2,"` + "\uFB33" + `":1}`

	s, err := JCSString(input)
	if err != nil {
		t.Fatal(err)
	}
	if s != expected {
		t.Errorf("Expected %s, got %s", expected, s)
	}
}

func TestJCS_NumberFormatting(t *testing.T) {
	cases := map[float64]string{
		1.0:   "1",
		0.1:   "0.1",
		-0.0:  "0",
		1e21:  "1e+21",
		1e-7:  "1e-7",
		123e3: "123000",
	}
	for in, want := range cases {
		s, err := JCSString(in)
		if err != nil {
			t.Fatalf("%v: %v", in, err)
		}
		if s != want {
			t.Errorf("%v: expected %s, got %s", in, want, s)
		}
	}
}

func TestJCS_RejectsCycles(t *testing.T) {
	m := map[string]interface{}{"a": 1}
	m["self"] = m
	if _, err := JCS(m); !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}

	s := []interface{}{nil}
	s[0] = s
	if _, err := JCS(s); !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle for slice, got %v", err)
	}

	type node struct {
		Next *node `json:"next"`
	}
	n := &node{}
	n.Next = n
	if _, err := JCS(n); !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle for pointer, got %v", err)
	}
}

func TestJCS_AllowsSharedReferences(t *testing.T) {
	shared := map[string]interface{}{"x": 1}
	input := map[string]interface{}{"a": shared, "b": shared, "c": []interface{}{shared, shared}}

	s, err := JCSString(input)
	if err != nil {
		t.Fatalf("shared references must not be reported as cycles: %v", err)
	}
	expected := `{"a":{"x":1},"b":{"x":1},"c":[{"x":1},{"x":1}]}`
	if s != expected {
		t.Errorf("Expected %s, got %s", expected, s)
	}
}

func TestJCS_RejectsUnsupported(t *testing.T) {
	if _, err := JCS(map[string]interface{}{"f": func() {}}); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType for func, got %v", err)
	}
	if _, err := JCS([]interface{}{make(chan int)}); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType for chan, got %v", err)
	}
	if _, err := JCS(map[string]float64{"n": math.NaN()}); !errors.Is(err, ErrNonFinite) {
		t.Errorf("expected ErrNonFinite for NaN, got %v", err)
	}
	if _, err := JCS([]float64{math.Inf(-1)}); !errors.Is(err, ErrNonFinite) {
		t.Errorf("expected ErrNonFinite for -Inf, got %v", err)
	}
}

func TestJCS_SkipsIgnoredStructFields(t *testing.T) {
	type withIgnored struct {
		A  int    `json:"a"`
		Fn func() `json:"-"`
	}
	s, err := JCSString(withIgnored{A: 1, Fn: func() {}})
	if err != nil {
		t.Fatal(err)
	}
	if s != `{"a":1}` {
		t.Errorf("unexpected %s", s)
	}
}

func TestCanonicalHash_KnownVector(t *testing.T) {
	h, err := CanonicalHash(map[string]int{"a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if h != "015abd7f5cc57a2dd94b7590f04ad8084273905ee33ec5cebeae62276a97f862" {
		t.Errorf("unexpected hash %s", h)
	}
	if MustHash([]interface{}{}) != "4f53cda18c2baa0c0354bb5f9a3ecbe5ed12ab4d8e11ba873c2f11161202b945" {
		t.Error("unexpected hash of empty array")
	}
}

func TestNormalize_DecodesNumbers(t *testing.T) {
	out, err := Normalize(struct {
		N int `json:"n"`
	}{N: 7})
	if err != nil {
		t.Fatal(err)
	}
	m, ok := out.(map[string]interface{})
	if !ok {
		t.Fatalf("expected object, got %T", out)
	}
	if m["n"] != json.Number("7") {
		t.Errorf("expected json.Number 7, got %#v", m["n"])
	}
}
