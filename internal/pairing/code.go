// Package pairing issues the short codes a chat user redeems to link their
// platform identity to an authorized channel user.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Alphabet excludes characters that are easy to confuse (0/O, 1/I).
// Its length divides 256, so byte-modulo selection is unbiased.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the number of characters in a pairing code.
const CodeLength = 6

const maxGenerateAttempts = 20

// ErrCodeSpaceExhausted is returned when no unused code could be drawn.
var ErrCodeSpaceExhausted = errors.New("pairing: could not generate an unused code")

// Generator draws pairing codes from a random source.
type Generator struct {
	rand io.Reader
}

// NewGenerator returns a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{rand: rand.Reader}
}

// NewGeneratorWithReader returns a generator reading from r. Intended for tests.
func NewGeneratorWithReader(r io.Reader) *Generator {
	return &Generator{rand: r}
}

// Generate returns a code for which inUse reports false. inUse may be nil.
func (g *Generator) Generate(inUse func(code string) bool) (string, error) {
	for i := 0; i < maxGenerateAttempts; i++ {
		code, err := randomCode(g.rand, CodeLength)
		if err != nil {
			return "", fmt.Errorf("pairing: read random: %w", err)
		}
		if inUse == nil || !inUse(code) {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

func randomCode(r io.Reader, length int) (string, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i := range buf {
		out[i] = Alphabet[int(buf[i])%len(Alphabet)]
	}
	return string(out), nil
}

// Normalize canonicalizes user input for comparison against stored codes.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Valid reports whether code has the right length and only alphabet characters.
func Valid(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}
