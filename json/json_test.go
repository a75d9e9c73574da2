package json

import (
	"bytes"
	"strings"
	"testing"
)

// pluginSettings mirrors how plugin settings declare defaults.
type pluginSettings struct {
	Datasource   string `json:"datasource" default:"memory"`
	MaxBodyBytes int64  `json:"maxBodyBytes" default:"1048576"`
	Seed         bool   `json:"seed"`
}

func TestUnmarshalAppliesDefaultsBeforeDecode(t *testing.T) {
	var s pluginSettings
	if err := Unmarshal([]byte(`{"seed":true}`), &s); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if s.Datasource != "memory" || s.MaxBodyBytes != 1048576 || !s.Seed {
		t.Fatalf("unexpected settings: %+v", s)
	}

	var explicit pluginSettings
	if err := Unmarshal([]byte(`{"datasource":"pg","maxBodyBytes":16}`), &explicit); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if explicit.Datasource != "pg" || explicit.MaxBodyBytes != 16 {
		t.Fatalf("explicit values must override defaults, got %+v", explicit)
	}
}

func TestUnmarshalIntoMapDecodesNumbersAsFloat(t *testing.T) {
	var body map[string]any
	if err := Unmarshal([]byte(`{"count":2,"rows":[{"id":"t1"}]}`), &body); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if body["count"] != float64(2) {
		t.Fatalf("expected float64 count, got %T", body["count"])
	}
}

func TestDecoderUseNumberKeepsLargeIntegers(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"value":9007199254740993}`))
	dec.UseNumber()

	var filter struct {
		Value any `json:"value"`
	}
	if err := dec.Decode(&filter); err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	n, ok := filter.Value.(Number)
	if !ok {
		t.Fatalf("expected Number, got %T", filter.Value)
	}
	if i, err := n.Int64(); err != nil || i != 9007199254740993 {
		t.Fatalf("expected exact integer, got %v (%v)", i, err)
	}
}

func TestEncoderAppliesDefaults(t *testing.T) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(&pluginSettings{Seed: true}); err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	want := `{"datasource":"memory","maxBodyBytes":1048576,"seed":true}`
	if got := strings.TrimSpace(buf.String()); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestMarshalPassesThroughNonStructValues(t *testing.T) {
	data, err := Marshal(map[string]any{"b": 1, "a": "x"})
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	var decoded map[string]any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("encoded JSON should be valid, got error: %v", err)
	}
	if decoded["a"] != "x" {
		t.Fatalf("unexpected decoded value: %v", decoded)
	}
}

func TestMarshalCanonicalSortsKeys(t *testing.T) {
	first, err := MarshalCanonical(map[string]any{"z": 1, "a": []int{2, 1}, "m": map[string]int{"y": 1, "b": 2}})
	if err != nil {
		t.Fatalf("MarshalCanonical returned error: %v", err)
	}
	want := `{"a":[2,1],"m":{"b":2,"y":1},"z":1}`
	if string(first) != want {
		t.Fatalf("expected %s, got %s", want, first)
	}

	for i := 0; i < 20; i++ {
		again, err := MarshalCanonical(map[string]any{"m": map[string]int{"b": 2, "y": 1}, "a": []int{2, 1}, "z": 1})
		if err != nil {
			t.Fatalf("MarshalCanonical returned error: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("canonical encoding is unstable: %s vs %s", first, again)
		}
	}
}

func TestMarshalCanonicalSkipsDefaults(t *testing.T) {
	s := &pluginSettings{Seed: true}
	data, err := MarshalCanonical(s)
	if err != nil {
		t.Fatalf("MarshalCanonical returned error: %v", err)
	}
	if s.Datasource != "" || s.MaxBodyBytes != 0 {
		t.Fatalf("MarshalCanonical must leave the value untouched, got %+v", s)
	}
	if want := `{"datasource":"","maxBodyBytes":0,"seed":true}`; string(data) != want {
		t.Fatalf("expected %s, got %s", want, data)
	}
}

func TestMarshalCanonicalDoesNotEscapeHTML(t *testing.T) {
	data, err := MarshalCanonical(map[string]string{"title": "<b>&</b>"})
	if err != nil {
		t.Fatalf("MarshalCanonical returned error: %v", err)
	}
	if want := `{"title":"<b>&</b>"}`; string(data) != want {
		t.Fatalf("expected %s, got %s", want, data)
	}
}
