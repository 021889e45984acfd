// Package oommsg carries out-of-memory notifications from the page
// allocator to anything willing to try to free pages.
package oommsg

/// OomCh is sent an Oommsg_t, without blocking, whenever alloc_page
/// observes exhaustion. Nothing reads it by default. The allocation that
/// triggered the message has already failed: the allocator does not
/// wait for a reply and does not retry.
var OomCh chan Oommsg_t = make(chan Oommsg_t, 1)

/// Oommsg_t describes one allocation that found no free frame.
type Oommsg_t struct {
	/// Need is the number of frames the failed request wanted.
	Need int
	/// Resume is a reply channel for a reclaimer; mem.Physmem_t's
	/// Alloc_page leaves it nil.
	Resume chan bool
}
