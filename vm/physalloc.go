package vm

import (
	"math/bits"
	"sync"
)

// ---------------------------------------------------------------------------
// Physical page allocation
// ---------------------------------------------------------------------------

// PageNo is a physical page number handed out by a PageAllocator.
type PageNo uint32

// PageAllocator supplies page-sized storage to the heap. AllocPage returns
// ErrOutOfMemory when no page is free; freeing a page that is not allocated
// is a contract violation.
type PageAllocator interface {
	AllocPage() (PageNo, error)
	FreePage(p PageNo)
	Stats() (used, total int)
}

// BitmapAllocator is a page allocator backed by a bitmap, one bit per page.
// Searches resume from the last word that produced a page so consecutive
// allocations do not rescan the full map.
type BitmapAllocator struct {
	mu      sync.Mutex
	bitmap  []uint64
	lastPos int
	used    int
	total   int
}

// NewBitmapAllocator creates an allocator managing nPages pages, all free.
func NewBitmapAllocator(nPages int) *BitmapAllocator {
	if nPages < 1 {
		nPages = 1
	}
	words := (nPages + 63) / 64
	a := &BitmapAllocator{
		bitmap: make([]uint64, words),
		total:  nPages,
	}
	// Bits past the end of the arena are permanently taken.
	if tail := nPages % 64; tail != 0 {
		a.bitmap[words-1] = ^uint64(0) << tail
	}
	return a
}

// AllocPage takes the first free page at or after the last search position,
// wrapping around once.
func (a *BitmapAllocator) AllocPage() (PageNo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.lastPos
	for {
		w := a.bitmap[a.lastPos]
		if w != ^uint64(0) {
			bit := bits.TrailingZeros64(^w)
			a.bitmap[a.lastPos] = w | (1 << bit)
			a.used++
			return PageNo(a.lastPos*64 + bit), nil
		}
		a.lastPos++
		if a.lastPos >= len(a.bitmap) {
			a.lastPos = 0
		}
		if a.lastPos == start {
			return 0, ErrOutOfMemory
		}
	}
}

// FreePage returns p to the arena.
func (a *BitmapAllocator) FreePage(p PageNo) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(p) >= a.total {
		contractf("FreePage", NilRef, "page %d outside arena of %d pages", p, a.total)
	}
	word, mask := int(p)/64, uint64(1)<<(uint(p)%64)
	if a.bitmap[word]&mask == 0 {
		contractf("FreePage", NilRef, "page %d is not allocated", p)
	}
	a.bitmap[word] &^= mask
	a.used--
}

// Stats reports the number of pages in use and the arena size.
func (a *BitmapAllocator) Stats() (used, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used, a.total
}
