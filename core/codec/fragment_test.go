package codec

import (
	"bytes"
	"testing"
)

func TestFragmentForLXMFEmpty(t *testing.T) {
	frags := FragmentForLXMF(nil)
	if len(frags) != 1 {
		t.Fatalf("expected exactly one fragment for empty input, got %d", len(frags))
	}
	if frags[0].Total != 1 {
		t.Fatalf("Total = %d, want 1", frags[0].Total)
	}
}

func TestFragmentForLXMFExactMultiple(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, LXMFMaxPayload*2)
	frags := FragmentForLXMF(data)
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(frags))
	}
	for i, f := range frags {
		if f.Total != 2 {
			t.Fatalf("fragment %d Total = %d, want 2", i, f.Total)
		}
		if int(f.Index) != i {
			t.Fatalf("fragment %d Index = %d, want %d", i, f.Index, i)
		}
		if len(f.Data) != LXMFMaxPayload {
			t.Fatalf("fragment %d len(Data) = %d, want %d", i, len(f.Data), LXMFMaxPayload)
		}
	}
}

func TestFragmentForLXMFReassembles(t *testing.T) {
	data := bytes.Repeat([]byte{0x01, 0x02, 0x03}, LXMFMaxPayload)
	frags := FragmentForLXMF(data)

	var reassembled []byte
	for _, f := range frags {
		reassembled = append(reassembled, f.Data...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Fatal("fragments did not reassemble to the original data")
	}
}

func TestFragmentForLXMFRemainder(t *testing.T) {
	data := make([]byte, LXMFMaxPayload+1)
	frags := FragmentForLXMF(data)
	if len(frags) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(frags))
	}
	if len(frags[1].Data) != 1 {
		t.Fatalf("trailing fragment len = %d, want 1", len(frags[1].Data))
	}
}
