package pairing

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestGenerateUsesAlphabet(t *testing.T) {
	g := NewGenerator()
	for i := 0; i < 200; i++ {
		code, err := g.Generate(nil)
		if err != nil {
			t.Fatalf("Generate() = %v", err)
		}
		if !Valid(code) {
			t.Fatalf("invalid code %q", code)
		}
		if strings.ContainsAny(code, "0O1I") {
			t.Fatalf("code %q contains a confusable character", code)
		}
	}
}

func TestGenerateSkipsCodesInUse(t *testing.T) {
	// First draw maps to AAAAAA, second to BBBBBB.
	src := bytes.NewReader(append(bytes.Repeat([]byte{0}, CodeLength), bytes.Repeat([]byte{1}, CodeLength)...))
	g := NewGeneratorWithReader(src)

	code, err := g.Generate(func(c string) bool { return c == "AAAAAA" })
	if err != nil {
		t.Fatalf("Generate() = %v", err)
	}
	if code != "BBBBBB" {
		t.Fatalf("code = %q, want BBBBBB", code)
	}
}

func TestGenerateExhausted(t *testing.T) {
	g := NewGeneratorWithReader(bytes.NewReader(make([]byte, CodeLength*maxGenerateAttempts)))
	if _, err := g.Generate(func(string) bool { return true }); !errors.Is(err, ErrCodeSpaceExhausted) {
		t.Fatalf("Generate() = %v, want ErrCodeSpaceExhausted", err)
	}
}

func TestGenerateShortRead(t *testing.T) {
	g := NewGeneratorWithReader(bytes.NewReader([]byte{1, 2}))
	if _, err := g.Generate(nil); err == nil {
		t.Fatal("expected error on short random read")
	}
}

func TestNormalizeAndValid(t *testing.T) {
	tests := []struct {
		in    string
		norm  string
		valid bool
	}{
		{" abc234 ", "ABC234", true},
		{"ABC23", "ABC23", false},
		{"ABC230", "ABC230", false},
		{"abcdefg", "ABCDEFG", false},
	}
	for _, tt := range tests {
		got := Normalize(tt.in)
		if got != tt.norm {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.norm)
		}
		if Valid(got) != tt.valid {
			t.Errorf("Valid(%q) = %v, want %v", got, !tt.valid, tt.valid)
		}
	}
}
