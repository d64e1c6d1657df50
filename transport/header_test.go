package transport

import (
	"testing"

	"github.com/rocketbitz/ucxparcel/internal/uct/simuct"
)

func TestNewHeaderRejectsUndersizedMax(t *testing.T) {
	net := simuct.NewNetwork(nil)
	md := simuct.NewMD("test", net)
	// offsetPiggyBackData(33) + addr(8) + rkey(8) = 49
	if _, err := newHeader(md, 48, 8); err == nil {
		t.Fatal("expected error for undersized header, got nil")
	}
	h, err := newHeader(md, 49, 8)
	if err != nil {
		t.Fatalf("newHeader(49): %v", err)
	}
	defer h.Close()
}

func TestHeaderPiggyBackRoundTrip(t *testing.T) {
	net := simuct.NewNetwork(nil)
	md := simuct.NewMD("test", net)
	h, err := newHeader(md, DefaultHeaderSize, 8)
	if err != nil {
		t.Fatalf("newHeader: %v", err)
	}
	defer h.Close()

	payload := []byte("small enough to piggy-back")
	h.reset(payload, uint64(len(payload)), 0, 0)

	pb := h.PiggyBack()
	if string(pb) != string(payload) {
		t.Fatalf("PiggyBack() = %q, want %q", pb, payload)
	}
	if h.dataSize() != uint64(len(payload)) {
		t.Fatalf("dataSize() = %d, want %d", h.dataSize(), len(payload))
	}
}

func TestHeaderNonPiggyBackCarriesRemotePayload(t *testing.T) {
	net := simuct.NewNetwork(nil)
	md := simuct.NewMD("test", net)
	h, err := newHeader(md, DefaultHeaderSize, 8)
	if err != nil {
		t.Fatalf("newHeader: %v", err)
	}
	defer h.Close()

	big := make([]byte, DefaultHeaderSize) // larger than MaxPayloadForPiggyBack
	h.reset(big, uint64(len(big)), 2, 3)

	if h.PiggyBack() != nil {
		t.Fatal("expected no piggy-back payload for an oversized buffer")
	}
	if h.numChunksZeroCopy() != 2 || h.numChunksNonZeroCopy() != 3 {
		t.Fatalf("chunk counts = (%d, %d), want (2, 3)", h.numChunksZeroCopy(), h.numChunksNonZeroCopy())
	}

	h.SetRemotePayload(0xabcdef, []byte("rkeyblo1"))
	addr, rkey := h.RemotePayload(8)
	if addr != 0xabcdef {
		t.Fatalf("RemotePayload addr = %x, want %x", addr, 0xabcdef)
	}
	if string(rkey) != "rkeyblo1" {
		t.Fatalf("RemotePayload rkey = %q, want %q", rkey, "rkeyblo1")
	}
}

func TestHeaderResetSizeThenSize(t *testing.T) {
	net := simuct.NewNetwork(nil)
	md := simuct.NewMD("test", net)
	h, err := newHeader(md, DefaultHeaderSize, 8)
	if err != nil {
		t.Fatalf("newHeader: %v", err)
	}
	defer h.Close()

	h.resetSize(123)
	if h.Size() != 123 {
		t.Fatalf("Size() = %d, want 123", h.Size())
	}
}
