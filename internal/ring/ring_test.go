package ring

import "testing"

type blockReq struct {
	ID uint64
}

type blockRsp struct {
	ID     uint64
	Status uint16
}

func TestShared_RejectsNonPowerOfTwo(t *testing.T) {
	if _, err := NewShared[blockReq, blockRsp](3); err != ErrNotPowerOfTwo {
		t.Fatalf("expected ErrNotPowerOfTwo, got %v", err)
	}
	if _, err := NewShared[blockReq, blockRsp](1); err != ErrNotPowerOfTwo {
		t.Fatalf("expected ErrNotPowerOfTwo, got %v", err)
	}
}

func TestRing_BasicRoundTrip(t *testing.T) {
	shared, err := NewShared[blockReq, blockRsp](8)
	if err != nil {
		t.Fatal(err)
	}
	front := NewFront(shared)
	back := NewBack(shared)

	if err := front.PushRequest(blockReq{ID: 42}); err != nil {
		t.Fatalf("push: %v", err)
	}
	front.PublishRequests()

	if !back.HasUnconsumedRequests() {
		t.Fatal("backend should see the published request")
	}
	req, ok := back.PopRequest()
	if !ok || req.ID != 42 {
		t.Fatalf("unexpected pop: %+v ok=%v", req, ok)
	}

	back.PushResponse(blockRsp{ID: req.ID, Status: 0})
	back.PublishResponses()

	rsp, ok := front.PopResponse()
	if !ok || rsp.ID != 42 {
		t.Fatalf("unexpected response: %+v ok=%v", rsp, ok)
	}
	if front.Outstanding() != 0 {
		t.Fatalf("expected 0 outstanding, got %d", front.Outstanding())
	}
}

// TestRing_FillAndDrain mirrors scenario S2: 64 requests against a
// 32-slot ring must stop the producer at 31 outstanding, then drain as
// responses arrive.
func TestRing_FillAndDrain(t *testing.T) {
	const ringSize = 32
	const total = 64

	shared, err := NewShared[blockReq, blockRsp](ringSize)
	if err != nil {
		t.Fatal(err)
	}
	front := NewFront(shared)
	back := NewBack(shared)

	pushed := 0
	for i := 0; i < total; i++ {
		if err := front.PushRequest(blockReq{ID: uint64(i)}); err != nil {
			break
		}
		pushed++
	}
	if pushed != ringSize-1 {
		t.Fatalf("expected %d requests to fit before Full, got %d", ringSize-1, pushed)
	}
	if !front.Full() {
		t.Fatal("expected ring to report full")
	}
	front.PublishRequests()

	// Backend drains 16 requests and responds, which must free space.
	for i := 0; i < 16; i++ {
		req, ok := back.PopRequest()
		if !ok {
			t.Fatalf("expected request %d to be available", i)
		}
		back.PushResponse(blockRsp{ID: req.ID, Status: 0})
	}
	back.PublishResponses()

	for {
		if _, ok := front.PopResponse(); !ok {
			break
		}
	}
	if front.Full() {
		t.Fatal("ring should no longer be full after 16 responses drained")
	}

	remaining := total - pushed
	for i := 0; i < remaining; i++ {
		if err := front.PushRequest(blockReq{ID: uint64(pushed + i)}); err != nil {
			t.Fatalf("expected room for remaining request %d: %v", i, err)
		}
	}
	front.PublishRequests()

	responded := 16
	for {
		req, ok := back.PopRequest()
		if !ok {
			break
		}
		back.PushResponse(blockRsp{ID: req.ID, Status: 0})
		responded++
	}
	back.PublishResponses()

	for {
		if _, ok := front.PopResponse(); !ok {
			break
		}
	}

	if responded != total {
		t.Fatalf("expected %d total responses, got %d", total, responded)
	}
}

func TestBack_DetectsRingCorruption(t *testing.T) {
	shared, err := NewShared[blockReq, blockRsp](4)
	if err != nil {
		t.Fatal(err)
	}
	back := NewBack(shared)
	// Simulate a peer that published more than the ring can hold.
	shared.reqProd.Store(100)
	if !back.CheckRingCorruption() {
		t.Fatal("expected ring corruption to be detected")
	}
}
