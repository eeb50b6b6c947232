package netfront

import (
	"testing"

	"github.com/rishav/splitio/internal/evtchn"
	"github.com/rishav/splitio/internal/guestio"
	"github.com/rishav/splitio/internal/hyper"
	"github.com/rishav/splitio/internal/ring"
)

// stubTXBackend answers every TX request with TXOkay, standing in for
// the (out of scope) netback TX tasklet.
type stubTXBackend struct {
	back *ring.Back[TXRequest, TXResponse]
}

func (b *stubTXBackend) drain() int {
	n := 0
	for {
		req, ok := b.back.PopRequest()
		if !ok {
			break
		}
		b.back.PushResponse(TXResponse{ID: req.ID, Status: TXOkay})
		n++
	}
	b.back.PublishResponses()
	return n
}

// stubRXBackend accepts every donated page and writes a fixed payload
// into it before responding, standing in for netback's RX tasklet.
type stubRXBackend struct {
	host *hyper.Host
	back *ring.Back[RXRequest, RXResponse]
	dom  uint16
}

func (b *stubRXBackend) deliver(payload []byte) int {
	n := 0
	for {
		req, ok := b.back.PopRequest()
		if !ok {
			break
		}
		frame, err := b.host.AcceptForeignTransfer(uint16(req.Gref), b.dom, 0)
		if err != nil {
			b.back.PushResponse(RXResponse{ID: req.ID, Status: -1})
			continue
		}
		_ = frame
		b.back.PushResponse(RXResponse{ID: req.ID, Addr: 0, Status: int16(len(payload))})
		n++
	}
	b.back.PublishResponses()
	return n
}

func newTestFrontend(t *testing.T) (*Frontend, *stubTXBackend, *stubRXBackend, *guestio.NetQueue, func() []guestio.Packet) {
	t.Helper()
	host := hyper.NewHost()
	events := evtchn.New()
	outq := guestio.NewNetQueue()

	var delivered []guestio.Packet
	sink := guestio.PacketSinkFunc(func(p guestio.Packet) { delivered = append(delivered, p) })

	fe, err := NewFrontend(Config{
		Name:         "test",
		TXRingSize:   8,
		RXRingSize:   8,
		BackendDomID: 0,
		MAC:          [6]byte{0x02, 0, 0, 0, 0, 1},
		Host:         host,
		Events:       events,
		TXPort:       1,
		RXPort:       2,
		OutQueue:     outq,
		Sink:         sink,
		Bounds:       RefillBounds{Min: 2, Max: 8},
	})
	if err != nil {
		t.Fatalf("NewFrontend: %v", err)
	}
	if err := events.Bind(1, func() {}); err != nil {
		t.Fatalf("bind tx port: %v", err)
	}
	if err := events.Bind(2, func() {}); err != nil {
		t.Fatalf("bind rx port: %v", err)
	}
	fe.SetConnected(true)

	txBack := &stubTXBackend{back: ring.NewBack(fe.shared)}
	rxBack := &stubRXBackend{host: host, back: ring.NewBack(fe.rxShared), dom: 0}

	get := func() []guestio.Packet { return delivered }
	return fe, txBack, rxBack, outq, get
}

func TestConnect_SendsGratuitousARP(t *testing.T) {
	_, _, _, outq, _ := newTestFrontend(t)
	pkt, ok := outq.Peek()
	if !ok {
		t.Fatal("expected a gratuitous ARP frame queued on connect")
	}
	if len(pkt.Data) != ETHHLen {
		t.Fatalf("expected ARP announce frame of length %d, got %d", ETHHLen, len(pkt.Data))
	}
}

// TestTX_RoundTrip mirrors a minimal S4-style TX exchange: the frontend
// submits a packet, the backend answers, and the shadow slot is
// returned to the free list.
func TestTX_RoundTrip(t *testing.T) {
	fe, txBack, _, outq, _ := newTestFrontend(t)
	outq.Drop() // discard the gratuitous ARP queued by SetConnected

	pkt := guestio.Packet{Data: make([]byte, 256)}
	if err := fe.Xmit(pkt); err != nil {
		t.Fatalf("Xmit: %v", err)
	}
	if n := txBack.drain(); n != 1 {
		t.Fatalf("expected backend to see 1 tx request, got %d", n)
	}
	fe.HandleTXInterrupt()

	fe.mu.Lock()
	defer fe.mu.Unlock()
	if !fe.txHas {
		t.Fatal("expected tx shadow free list to have room again")
	}
	if fe.front.Outstanding() != 0 {
		t.Fatalf("expected 0 tx outstanding, got %d", fe.front.Outstanding())
	}
}

// TestTX_RejectsUndersizeFrame covers the ETH_HLEN boundary from
// spec.md §8: a frame shorter than the Ethernet header is rejected, one
// exactly at the boundary is accepted.
func TestTX_RejectsUndersizeFrame(t *testing.T) {
	fe, _, _, outq, _ := newTestFrontend(t)
	outq.Drop()

	if err := fe.Xmit(guestio.Packet{Data: make([]byte, ETHHLen-1)}); err == nil {
		t.Fatal("expected undersize frame to be rejected")
	}
	if err := fe.Xmit(guestio.Packet{Data: make([]byte, ETHHLen)}); err != nil {
		t.Fatalf("expected frame of exactly ETHHLen to be accepted: %v", err)
	}
}

// TestRX_ZeroCopyDelivery mirrors scenario S5: posted buffers get
// filled by the backend and delivered to the guest sink with their
// payload intact.
func TestRX_ZeroCopyDelivery(t *testing.T) {
	fe, _, rxBack, _, delivered := newTestFrontend(t)

	fe.PostBuffers()
	if !rxBack.back.HasUnconsumedRequests() {
		t.Fatal("expected backend to see posted rx buffers")
	}

	payload := []byte("hello from the backend")
	// Write the payload into the pages the frontend donated, the way a
	// real backend would after mapping the transferred frame.
	fe.mu.Lock()
	for i := range fe.rx {
		if fe.rx[i].inUse {
			copy(fe.rx[i].page, payload)
		}
	}
	fe.mu.Unlock()

	n := rxBack.deliver(payload)
	if n == 0 {
		t.Fatal("expected backend to deliver at least one rx response")
	}

	fe.HandleRXInterrupt()

	got := delivered()
	if len(got) == 0 {
		t.Fatal("expected at least one packet delivered to the guest sink")
	}
	if string(got[0].Data) != string(payload) {
		t.Fatalf("expected delivered payload %q, got %q", payload, got[0].Data)
	}
}

// TestRX_FillTargetGrowsWhenRingRunsDry exercises the exponential
// fill-target growth path of the adaptive RX refill heuristic.
func TestRX_FillTargetGrowsWhenRingRunsDry(t *testing.T) {
	fe, _, rxBack, _, _ := newTestFrontend(t)

	fe.mu.Lock()
	before := fe.target
	fe.mu.Unlock()

	fe.PostBuffers()
	n := rxBack.deliver([]byte("x"))
	if n == 0 {
		t.Fatal("expected backend to consume posted buffers")
	}
	fe.HandleRXInterrupt()

	fe.mu.Lock()
	after := fe.target
	fe.mu.Unlock()
	if after <= before {
		t.Fatalf("expected fill target to grow after the ring ran dry, before=%d after=%d", before, after)
	}
}
