package mem

import "testing"

func TestNewPhysmemReservesZeroPage(t *testing.T) {
	p := NewPhysmem(8)
	if p.ZeroPage() != 0 {
		t.Fatalf("zero page = %d, want 0", p.ZeroPage())
	}
	if got := p.Refcnt(p.ZeroPage()); got != 1 {
		t.Fatalf("zero page refcnt = %d, want 1 (pinned)", got)
	}
	if got, want := p.FreePages(), 7; got != want {
		t.Fatalf("FreePages() = %d, want %d (8 frames minus the reserved zero page)", got, want)
	}
}

func TestAllocPageZeroesAndTracksFreelist(t *testing.T) {
	p := NewPhysmem(4)
	before := p.FreePages()

	pa, fr, ok := p.AllocPage()
	if !ok {
		t.Fatal("AllocPage: out of frames unexpectedly")
	}
	if pa == p.ZeroPage() {
		t.Fatal("AllocPage returned the reserved zero page")
	}
	for i, b := range fr {
		if b != 0 {
			t.Fatalf("AllocPage: frame not zeroed at byte %d", i)
			break
		}
	}
	if got := p.FreePages(); got != before-1 {
		t.Fatalf("FreePages() after alloc = %d, want %d", got, before-1)
	}
}

func TestRefupRefdownRoundTrip(t *testing.T) {
	p := NewPhysmem(4)
	pa, _, ok := p.AllocPage()
	if !ok {
		t.Fatal("AllocPage failed")
	}
	// allocPage leaves refcnt at 0; simulate the first mapping.
	p.Refup(pa)
	if got := p.Refcnt(pa); got != 1 {
		t.Fatalf("Refcnt after one Refup = %d, want 1", got)
	}
	p.Refup(pa)
	if got := p.Refcnt(pa); got != 2 {
		t.Fatalf("Refcnt after two Refup = %d, want 2", got)
	}

	before := p.FreePages()
	if freed := p.Refdown(pa); freed {
		t.Fatal("Refdown reported freed with refcnt still 1")
	}
	if freed := p.Refdown(pa); !freed {
		t.Fatal("Refdown did not report freed when refcnt reached 0")
	}
	if got := p.FreePages(); got != before+1 {
		t.Fatalf("FreePages() after final Refdown = %d, want %d", got, before+1)
	}
}

func TestRefdownZeroPagePanics(t *testing.T) {
	p := NewPhysmem(4)
	defer func() {
		if recover() == nil {
			t.Fatal("Refdown on the zero page did not panic")
		}
	}()
	p.Refdown(p.ZeroPage())
}

func TestAllocPageExhaustion(t *testing.T) {
	p := NewPhysmem(2) // zero page + exactly one free frame
	_, _, ok := p.AllocPage()
	if !ok {
		t.Fatal("first AllocPage should succeed")
	}
	if _, _, ok := p.AllocPage(); ok {
		t.Fatal("AllocPage should fail once the free list is exhausted")
	}
}

func TestDmapReflectsWrites(t *testing.T) {
	p := NewPhysmem(4)
	pa, fr, ok := p.AllocPage()
	if !ok {
		t.Fatal("AllocPage failed")
	}
	fr[0] = 0x42
	again := p.Dmap(pa)
	if again[0] != 0x42 {
		t.Fatalf("Dmap(pa)[0] = %#x, want 0x42 (same backing frame)", again[0])
	}
}
