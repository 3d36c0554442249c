// Package jsoncodec is the single JSON codec used on the wire (record values)
// and at the HTTP edge (request and response bodies).
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.Config{
	EscapeHTML:       true,
	SortMapKeys:      true,
	CompactMarshaler: true,
	ValidateString:   true,
}.Froze()

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Valid reports whether data is a syntactically valid JSON document.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

// DecodeStrict decodes a single JSON document from r and rejects unknown fields.
func DecodeStrict(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
