package transport

import "bytes"

// Locality is the transport-visible identity and address set of a peer
// process: two address blobs, one per interface role. Bootstrap exchange
// of these blobs between peers is out of scope for this package; callers
// obtain a Locality's fields from a connected Context's own address
// accessors and ship them over whatever discovery channel they use.
type Locality struct {
	AMDeviceAddr  []byte
	AMIfaceAddr   []byte
	RMADeviceAddr []byte
	RMAIfaceAddr  []byte
}

// Empty reports whether both address blobs are empty.
func (l Locality) Empty() bool {
	return len(l.AMDeviceAddr) == 0 && len(l.AMIfaceAddr) == 0 &&
		len(l.RMADeviceAddr) == 0 && len(l.RMAIfaceAddr) == 0
}

// Compare orders two localities by lexicographic comparison of their
// concatenated address blobs.
func (l Locality) Compare(other Locality) int {
	return bytes.Compare(l.bytes(), other.bytes())
}

func (l Locality) bytes() []byte {
	var b bytes.Buffer
	b.Write(l.AMDeviceAddr)
	b.Write(l.AMIfaceAddr)
	b.Write(l.RMADeviceAddr)
	b.Write(l.RMAIfaceAddr)
	return b.Bytes()
}

// Key returns a value suitable for use as a map key identifying this
// locality, used by the dispatcher's sender pool.
func (l Locality) Key() string {
	return string(l.bytes())
}
