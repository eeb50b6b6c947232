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

func newTestRXSetup(t *testing.T, ringSize int) (*hyper.Host, *RXBackend, *Interface, *ring.Front[netfront.RXRequest, netfront.RXResponse]) {
	t.Helper()
	host := hyper.NewHost()
	events := evtchn.New()
	shared, err := ring.NewShared[netfront.RXRequest, netfront.RXResponse](ringSize)
	if err != nil {
		t.Fatalf("NewShared: %v", err)
	}
	front := ring.NewFront(shared)
	back := ring.NewBack(shared)

	var metrics *telemetry.Metrics
	rb := NewRXBackend(host, testBackendDom, metrics)

	var port evtchn.Port = 11
	if err := events.Bind(port, func() {}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	iface := NewInterface(2, testGuestDom, port, events, nil, back, 1<<30, 1<<30)
	return host, rb, iface, front
}

// TestRXBackend_PageFlipDelivery mirrors scenario S5: a packet queued
// for a guest is page-flipped into a donated frame and the response
// carries its size.
func TestRXBackend_PageFlipDelivery(t *testing.T) {
	host, rb, iface, front := newTestRXSetup(t, 8)

	ref := uint16(4)
	donated := host.AllocFrame(testGuestDom)
	if err := host.InstallForeignTransfer(ref, testBackendDom, donated); err != nil {
		t.Fatalf("InstallForeignTransfer: %v", err)
	}
	if err := front.PushRequest(netfront.RXRequest{ID: 1, Gref: ref}); err != nil {
		t.Fatalf("PushRequest: %v", err)
	}
	front.PublishRequests()

	payload := []byte("hello from the host stack")
	iface.QueueRX(guestio.Packet{Data: payload})
	rb.LinkInterface(iface)
	rb.Drain()

	rsp, ok := front.PopResponse()
	if !ok {
		t.Fatal("expected an rx response")
	}
	if rsp.Status != int16(len(payload)) {
		t.Fatalf("expected status %d, got %d", len(payload), rsp.Status)
	}

	owner, err := host.Owner(donated)
	if err != nil {
		t.Fatalf("Owner: %v", err)
	}
	if owner != testGuestDom {
		t.Fatalf("expected the donated frame to be reassigned to the guest, owner=%d", owner)
	}
}

// TestRXBackend_ProtocolFaultOnBadGref mirrors scenario S6: a grant
// reference the guest never installed as a transfer is reported back
// as an error rather than crashing the backend.
func TestRXBackend_ProtocolFaultOnBadGref(t *testing.T) {
	_, rb, iface, front := newTestRXSetup(t, 8)

	ref := uint16(77) // never installed
	if err := front.PushRequest(netfront.RXRequest{ID: 3, Gref: ref}); err != nil {
		t.Fatalf("PushRequest: %v", err)
	}
	front.PublishRequests()

	iface.QueueRX(guestio.Packet{Data: []byte("x")})
	rb.LinkInterface(iface)
	rb.Drain()

	rsp, ok := front.PopResponse()
	if !ok {
		t.Fatal("expected an rx response")
	}
	if rsp.Status >= 0 {
		t.Fatalf("expected a negative status for an unallocated grant, got %d", rsp.Status)
	}
}

// TestRXBackend_StopsWhenRingFull ensures the backend never publishes
// more responses than the frontend has requests outstanding for.
func TestRXBackend_StopsWhenRingFull(t *testing.T) {
	host, rb, iface, front := newTestRXSetup(t, 2)

	for i := 0; i < 2; i++ {
		ref := uint16(10 + i)
		frame := host.AllocFrame(testGuestDom)
		if err := host.InstallForeignTransfer(ref, testBackendDom, frame); err != nil {
			t.Fatalf("InstallForeignTransfer: %v", err)
		}
		if err := front.PushRequest(netfront.RXRequest{ID: uint16(i), Gref: ref}); err != nil {
			t.Fatalf("PushRequest: %v", err)
		}
		iface.QueueRX(guestio.Packet{Data: []byte("x")})
	}
	front.PublishRequests()

	rb.LinkInterface(iface)
	rb.Drain()

	n := 0
	for {
		if _, ok := front.PopResponse(); !ok {
			break
		}
		n++
	}
	if n != 2 {
		t.Fatalf("expected exactly 2 responses for a 2-slot ring, got %d", n)
	}
}
