package serializer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// lookupEncoding resolves a profile encoding name. A nil encoding means the
// bytes pass through (utf-8) or are checked for 7-bit range (ascii).
func lookupEncoding(name string) (encoding.Encoding, error) {
	switch normalizeEncoding(name) {
	case "utf-8", "ascii":
		return nil, nil
	case "latin1":
		return charmap.ISO8859_1, nil
	case "utf-16le":
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, name)
	}
}

func normalizeEncoding(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return "utf-8"
	case "ascii", "us-ascii":
		return "ascii"
	case "latin1", "latin-1", "iso-8859-1":
		return "latin1"
	case "utf-16le", "utf16le":
		return "utf-16le"
	default:
		return name
	}
}

// encodeText converts utf-8 text into the named wire encoding
func encodeText(text []byte, name string) ([]byte, error) {
	if normalizeEncoding(name) == "ascii" {
		for i, b := range text {
			if b >= utf8.RuneSelf {
				return nil, fmt.Errorf("%w: non-ascii byte 0x%02x at offset %d", ErrUnsupportedValue, b, i)
			}
		}
		return text, nil
	}

	enc, err := lookupEncoding(name)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return text, nil
	}
	out, err := enc.NewEncoder().Bytes(text)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return out, nil
}

// decodeText converts wire bytes in the named encoding into utf-8
func decodeText(data []byte, name string) ([]byte, error) {
	enc, err := lookupEncoding(name)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return data, nil
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return out, nil
}
