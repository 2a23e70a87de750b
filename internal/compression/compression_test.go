package compression

import (
	"bytes"
	"testing"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		input    string
		expected Type
		wantErr  bool
	}{
		{"", TypeNone, false},
		{"none", TypeNone, false},
		{"snappy", TypeSnappy, false},
		{"S2", TypeS2, false},
		{" zstd ", TypeZstd, false},
		{"gzip", TypeGzip, false},
		{"lz4", TypeNone, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("ParseType(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestCompressRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":      {},
		"short":      []byte("hello"),
		"repetitive": bytes.Repeat([]byte("https://example.com/page?id=42 "), 200),
	}

	for _, typ := range []Type{TypeNone, TypeSnappy, TypeS2, TypeZstd, TypeGzip} {
		for name, data := range payloads {
			t.Run(string(typ)+"/"+name, func(t *testing.T) {
				enc, err := Compress(data, typ)
				if err != nil {
					t.Fatalf("Compress failed: %v", err)
				}
				dec, err := Decompress(enc, typ)
				if err != nil {
					t.Fatalf("Decompress failed: %v", err)
				}
				if dec == nil {
					t.Fatal("Decompress returned nil slice")
				}
				if !bytes.Equal(dec, data) {
					t.Errorf("round trip mismatch: got %d bytes, want %d", len(dec), len(data))
				}
			})
		}
	}
}

func TestCompressShrinksRepetitiveData(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 1024)
	for _, typ := range []Type{TypeSnappy, TypeS2, TypeZstd, TypeGzip} {
		enc, err := Compress(data, typ)
		if err != nil {
			t.Fatalf("%s: Compress failed: %v", typ, err)
		}
		if len(enc) >= len(data) {
			t.Errorf("%s: compressed %d bytes into %d", typ, len(data), len(enc))
		}
	}
}

func TestDecompressCorrupt(t *testing.T) {
	for _, typ := range []Type{TypeSnappy, TypeZstd, TypeGzip} {
		if _, err := Decompress([]byte("definitely not compressed"), typ); err == nil {
			t.Errorf("%s: expected error for corrupt input", typ)
		}
	}
}

func TestUnsupportedType(t *testing.T) {
	if _, err := Compress([]byte("x"), Type("brotli")); err == nil {
		t.Error("Compress with unknown type should fail")
	}
	if _, err := Decompress([]byte("x"), Type("brotli")); err == nil {
		t.Error("Decompress with unknown type should fail")
	}
}
