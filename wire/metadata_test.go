package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rocketbitz/tf-pipeline/tf"
)

// R1: encode(decode(x)) == x for any well-formed Metadata value.
func TestMetadataRoundTrip(t *testing.T) {
	cases := []Metadata{
		{TfID: 0, TotalBytes: 0, Parts: nil},
		{
			TfID:       42,
			TotalBytes: 128,
			Parts: []PartDescriptor{
				{RemoteAddr: 0xdead, RemoteKey: 0xbeef, Length: 64, Header: []byte("abc")},
			},
		},
		{
			TfID:       1<<40 + 7,
			TotalBytes: 1 << 20,
			Parts: []PartDescriptor{
				{RemoteAddr: 1, RemoteKey: 2, Length: 10, Header: nil},
				{RemoteAddr: 3, RemoteKey: 4, Length: 20, Header: []byte{0x01, 0x02, 0x03}},
				{RemoteAddr: 5, RemoteKey: 6, Length: 0, Header: make([]byte, 256)},
			},
		},
	}

	for i, want := range cases {
		encoded, err := want.MarshalBinary()
		if err != nil {
			t.Fatalf("case %d: marshal: %v", i, err)
		}
		var got Metadata
		if err := got.UnmarshalBinary(encoded); err != nil {
			t.Fatalf("case %d: unmarshal: %v", i, err)
		}
		if got.TfID != want.TfID || got.TotalBytes != want.TotalBytes {
			t.Fatalf("case %d: header mismatch: got %+v want %+v", i, got, want)
		}
		if len(got.Parts) != len(want.Parts) {
			t.Fatalf("case %d: part count mismatch: got %d want %d", i, len(got.Parts), len(want.Parts))
		}
		for j := range want.Parts {
			g, w := got.Parts[j], want.Parts[j]
			if g.RemoteAddr != w.RemoteAddr || g.RemoteKey != w.RemoteKey || g.Length != w.Length {
				t.Fatalf("case %d part %d: mismatch got %+v want %+v", i, j, g, w)
			}
			if !bytes.Equal(g.Header, w.Header) {
				t.Fatalf("case %d part %d: header mismatch got %x want %x", i, j, g.Header, w.Header)
			}
		}
	}
}

func TestMetadataUnmarshalTruncated(t *testing.T) {
	m := Metadata{
		TfID:       1,
		TotalBytes: 10,
		Parts:      []PartDescriptor{{RemoteAddr: 1, RemoteKey: 2, Length: 3, Header: []byte("xyz")}},
	}
	encoded, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Metadata
	if err := got.UnmarshalBinary(encoded[:len(encoded)-2]); err == nil {
		t.Fatal("expected error decoding truncated header")
	} else if !errors.Is(err, tf.ErrData) {
		t.Fatalf("expected tf.ErrData classification, got %v", err)
	}
}
