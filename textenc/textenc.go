// Package textenc implements the two string encodings supported by the
// reactor: raw bytes (ISO-8859-1, one byte per rune) and UTF-8.
package textenc

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Encoding selects how strings map to bytes.
type Encoding uint8

const (
	// Raw maps each rune in U+0000..U+00FF to the byte of the same value.
	Raw Encoding = iota
	// UTF8 is standard UTF-8.
	UTF8
)

var (
	// ErrUnrepresentable indicates a string containing a rune outside the
	// range of the Raw encoding.
	ErrUnrepresentable = errors.New("textenc: string not representable in raw encoding")

	// ErrInvalidUTF8 indicates a string that is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("textenc: invalid utf-8")

	// ErrUnknownEncoding is returned by Parse.
	ErrUnknownEncoding = errors.New("textenc: unknown encoding")
)

// Parse maps an encoding name to an Encoding, case-insensitively.
func Parse(name string) (Encoding, error) {
	switch strings.ToLower(name) {
	case `raw`, `binary`, `latin1`, `iso-8859-1`:
		return Raw, nil
	case `utf8`, `utf-8`:
		return UTF8, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}
}

// String returns the canonical name of the encoding.
func (e Encoding) String() string {
	switch e {
	case Raw:
		return `raw`
	case UTF8:
		return `utf8`
	default:
		return fmt.Sprintf(`Encoding(%d)`, uint8(e))
	}
}

// Valid reports whether e is a known encoding.
func (e Encoding) Valid() bool {
	return e == Raw || e == UTF8
}

// Encode converts s to bytes, failing rather than substituting.
func (e Encoding) Encode(s string) ([]byte, error) {
	switch e {
	case Raw:
		if !utf8.ValidString(s) {
			return nil, ErrInvalidUTF8
		}
		b, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnrepresentable, err)
		}
		return b, nil
	case UTF8:
		if !utf8.ValidString(s) {
			return nil, ErrInvalidUTF8
		}
		return []byte(s), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncoding, e)
	}
}

// Decode converts b to a string. Invalid UTF-8 sequences are replaced with
// U+FFFD. Raw decoding never fails.
func (e Encoding) Decode(b []byte) (string, error) {
	switch e {
	case Raw:
		s, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
		if err != nil {
			return ``, err
		}
		return string(s), nil
	case UTF8:
		if utf8.Valid(b) {
			return string(b), nil
		}
		s, err := unicode.UTF8.NewDecoder().Bytes(b)
		if err != nil {
			return ``, err
		}
		return string(s), nil
	default:
		return ``, fmt.Errorf("%w: %s", ErrUnknownEncoding, e)
	}
}

// CompletePrefix returns the length of the longest prefix of b that does not
// end in a truncated UTF-8 sequence. Bytes that can never begin a valid
// sequence are treated as complete, so they are not held back indefinitely.
func CompletePrefix(b []byte) int {
	n := len(b)
	// a sequence is at most utf8.UTFMax bytes, so only the tail matters
	for i := n - 1; i >= 0 && i >= n-utf8.UTFMax+1; i-- {
		c := b[i]
		if c < utf8.RuneSelf {
			return n
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[i:]) {
				return n
			}
			return i
		}
	}
	return n
}
