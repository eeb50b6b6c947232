package netback

import (
	"testing"

	"github.com/rishav/splitio/internal/evtchn"
	"github.com/rishav/splitio/internal/guestio"
	"github.com/rishav/splitio/internal/hyper"
	"github.com/rishav/splitio/internal/netfront"
	"github.com/rishav/splitio/internal/ring"
	"github.com/rishav/splitio/internal/telemetry"
)

const testBackendDom = uint16(0)
const testGuestDom = uint16(1)

// stubStack stands in for the host network stack: it records every
// transmitted packet and invokes its destructor callback synchronously,
// so a single extra Drain call retires the completion.
type stubStack struct {
	sent []guestio.Packet
}

func (s *stubStack) Transmit(pkt guestio.Packet, iface Handle, done func()) {
	s.sent = append(s.sent, pkt)
	done()
}

func newTestTXSetup(t *testing.T, ringSize int) (*hyper.Host, *evtchn.Shim, *TXBackend, *stubStack, *Interface, *ring.Front[netfront.TXRequest, netfront.TXResponse]) {
	t.Helper()
	host := hyper.NewHost()
	events := evtchn.New()
	shared, err := ring.NewShared[netfront.TXRequest, netfront.TXResponse](ringSize)
	if err != nil {
		t.Fatalf("NewShared: %v", err)
	}
	front := ring.NewFront(shared)
	back := ring.NewBack(shared)

	stack := &stubStack{}
	var metrics *telemetry.Metrics // exercised separately; nil is valid per the TXBackend nil-guard
	tb := NewTXBackend(host, stack, testBackendDom, metrics)

	var port evtchn.Port = 7
	if err := events.Bind(port, func() {}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	iface := NewInterface(1, testGuestDom, port, events, back, nil, 1<<30, 1<<30)
	return host, events, tb, stack, iface, front
}

func TestTXBackend_RoundTrip(t *testing.T) {
	host, _, tb, stack, iface, front := newTestTXSetup(t, 8)

	ref := uint16(3)
	frame := host.AllocFrame(testGuestDom)
	if err := host.InstallForeignAccess(ref, testBackendDom, frame, false); err != nil {
		t.Fatalf("InstallForeignAccess: %v", err)
	}

	size := uint16(256)
	if err := front.PushRequest(netfront.TXRequest{ID: 1, Addr: uint64(ref) << PageShift, Size: size}); err != nil {
		t.Fatalf("PushRequest: %v", err)
	}
	front.PublishRequests()

	tb.LinkInterface(iface)
	tb.Drain() // maps + transmits; completion lands on the dealloc queue
	tb.Drain() // retires the completion and publishes the response

	if len(stack.sent) != 1 {
		t.Fatalf("expected 1 packet handed to the host stack, got %d", len(stack.sent))
	}

	rsp, ok := front.PopResponse()
	if !ok {
		t.Fatal("expected a tx response")
	}
	if rsp.Status != netfront.TXOkay {
		t.Fatalf("expected TXOkay, got %v", rsp.Status)
	}
}

// TestTXBackend_RejectsBadGrant mirrors scenario S6: a request naming a
// grant reference the guest never installed is a protocol fault, not a
// crash, and is reported back as TXError.
func TestTXBackend_RejectsBadGrant(t *testing.T) {
	_, _, tb, stack, iface, front := newTestTXSetup(t, 8)

	ref := uint16(99) // never installed
	if err := front.PushRequest(netfront.TXRequest{ID: 5, Addr: uint64(ref) << PageShift, Size: 256}); err != nil {
		t.Fatalf("PushRequest: %v", err)
	}
	front.PublishRequests()

	tb.LinkInterface(iface)
	tb.Drain()

	if len(stack.sent) != 0 {
		t.Fatalf("expected no packet handed to the host stack, got %d", len(stack.sent))
	}
	rsp, ok := front.PopResponse()
	if !ok {
		t.Fatal("expected a tx response")
	}
	if rsp.Status != netfront.TXError {
		t.Fatalf("expected TXError for an unallocated grant, got %v", rsp.Status)
	}
}

// TestTXBackend_DropsOversizeFrame covers the ETH_HLEN/ETH_FRAME_LEN
// boundary netback enforces independently of the frontend.
func TestTXBackend_DropsOversizeFrame(t *testing.T) {
	_, _, tb, _, iface, front := newTestTXSetup(t, 8)

	if err := front.PushRequest(netfront.TXRequest{ID: 9, Addr: 0, Size: ETHFrameLen + 1}); err != nil {
		t.Fatalf("PushRequest: %v", err)
	}
	front.PublishRequests()

	tb.LinkInterface(iface)
	tb.Drain()

	rsp, ok := front.PopResponse()
	if !ok {
		t.Fatal("expected a tx response")
	}
	if rsp.Status != netfront.TXDropped {
		t.Fatalf("expected TXDropped for an oversize frame, got %v", rsp.Status)
	}
}
