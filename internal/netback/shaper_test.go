package netback

import (
	"testing"
	"time"
)

func TestCreditShaper_AdmitsWithinWindow(t *testing.T) {
	c := newCreditShaper(1000, 10_000)
	now := time.Now()
	ok, _ := c.admit(now, 400)
	if !ok {
		t.Fatal("expected first packet within credit to be admitted")
	}
	ok, _ = c.admit(now, 400)
	if !ok {
		t.Fatal("expected second packet within credit to be admitted")
	}
}

// TestCreditShaper_DefersOverCreditUntilWindowRolls mirrors scenario
// S4: a packet exceeding the remaining window credit is deferred with
// a retry deadline, and is admitted once that deadline passes.
func TestCreditShaper_DefersOverCreditUntilWindowRolls(t *testing.T) {
	c := newCreditShaper(500, 1) // 1 microsecond window
	now := time.Now()
	ok, _ := c.admit(now, 500)
	if !ok {
		t.Fatal("expected initial packet to exhaust the window's credit")
	}
	ok, wait := c.admit(now, 100)
	if ok {
		t.Fatal("expected packet to be deferred while window has not elapsed")
	}
	if wait <= 0 {
		t.Fatalf("expected a positive retry wait, got %v", wait)
	}

	later := now.Add(2 * time.Millisecond)
	ok, _ = c.admit(later, 100)
	if !ok {
		t.Fatal("expected packet to be admitted once the credit window rolled over")
	}
}
