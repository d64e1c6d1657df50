package transport

// ParcelDecoder is the opaque external collaborator spec.md treats as out
// of scope: "parcel serialization/deserialization (treated as an opaque
// byte-vector codec with a chunk descriptor)". A Receiver hands the fully
// materialized payload to DecodeParcels once read_done's prerequisites are met;
// the decoder owns interpreting the bytes (and, eventually, the zero-copy
// chunk descriptors the header's chunk-count fields reserve room for).
type ParcelDecoder interface {
	DecodeParcels(source Locality, data []byte, numChunksZeroCopy, numChunksNonZeroCopy uint64) error
}

// ParcelDecoderFunc adapts a plain function to ParcelDecoder.
type ParcelDecoderFunc func(source Locality, data []byte, numChunksZeroCopy, numChunksNonZeroCopy uint64) error

func (f ParcelDecoderFunc) DecodeParcels(source Locality, data []byte, numChunksZeroCopy, numChunksNonZeroCopy uint64) error {
	return f(source, data, numChunksZeroCopy, numChunksNonZeroCopy)
}
