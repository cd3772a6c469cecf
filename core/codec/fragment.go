package codec

// Fragment is one piece of an application-level resource (e.g. an LXMF
// message) split to fit inside a single packet's data payload. The
// resource transfer sublayer itself (retransmission, out-of-order
// reassembly of large resources) is out of scope for the transport core;
// this is only the framing contract every fragment must satisfy.
type Fragment struct {
	Index     uint16
	Total     uint16
	Data      []byte
}

// FragmentForLXMF splits data into fragments whose Data length never
// exceeds LXMFMaxPayload, matching the resource sublayer's framing
// requirement noted in the transport core's scope.
func FragmentForLXMF(data []byte) []Fragment {
	if len(data) == 0 {
		return []Fragment{{Index: 0, Total: 1, Data: nil}}
	}

	total := (len(data) + LXMFMaxPayload - 1) / LXMFMaxPayload
	fragments := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * LXMFMaxPayload
		end := start + LXMFMaxPayload
		if end > len(data) {
			end = len(data)
		}
		fragments = append(fragments, Fragment{
			Index: uint16(i),
			Total: uint16(total),
			Data:  data[start:end],
		})
	}
	return fragments
}
