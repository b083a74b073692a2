package canonical

import "testing"

func TestEncodeDeterministic(t *testing.T) {
	fields := map[string]string{"b": "2", "a": "1", "c": "3"}

	first := Encode(fields)
	for i := 0; i < 100; i++ {
		if got := Encode(fields); got != first {
			t.Fatalf("iteration %d: Encode not deterministic: %q != %q", i, got, first)
		}
	}

	if first != "a=1|b=2|c=3" {
		t.Errorf("Encode = %q, want %q", first, "a=1|b=2|c=3")
	}
}

func TestEncodeOrderIndependent(t *testing.T) {
	// Maps iterate in random order; build two maps with reversed insertion
	// order and check the encodings agree.
	m1 := map[string]string{}
	m2 := map[string]string{}
	keys := []string{"zeta", "alpha", "mid", "omega"}
	for i, k := range keys {
		m1[k] = k + "-v"
		m2[keys[len(keys)-1-i]] = keys[len(keys)-1-i] + "-v"
	}

	if Encode(m1) != Encode(m2) {
		t.Errorf("encodings differ for identical field sets: %q vs %q", Encode(m1), Encode(m2))
	}
}

func TestEncodeEscaping(t *testing.T) {
	tests := []struct {
		name string
		a, b map[string]string
	}{
		{
			name: "separator in value vs two fields",
			a:    map[string]string{"k": "a|b=c"},
			b:    map[string]string{"k": "a", "b": "c"},
		},
		{
			name: "equals in key vs split key",
			a:    map[string]string{"k=x": "y"},
			b:    map[string]string{"k": "x=y"},
		},
		{
			name: "literal escape sequence vs escaped separator",
			a:    map[string]string{"k": "%7C"},
			b:    map[string]string{"k": "|"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Encode(tt.a) == Encode(tt.b) {
				t.Errorf("distinct field maps produced identical encoding %q", Encode(tt.a))
			}
		})
	}
}

func TestEncodeEmptyValueDiffersFromAbsent(t *testing.T) {
	withEmpty := Encode(map[string]string{"a": "1", "b": ""})
	without := Encode(map[string]string{"a": "1"})
	if withEmpty == without {
		t.Error("empty field should encode differently from absent field")
	}
}

func TestEncodeEmptyMap(t *testing.T) {
	if got := Encode(nil); got != "" {
		t.Errorf("Encode(nil) = %q, want empty", got)
	}
	if got := Encode(map[string]string{}); got != "" {
		t.Errorf("Encode(empty) = %q, want empty", got)
	}
}
