// Package probe detects, at runtime rather than via build tags, which
// low-level I/O facilities a data directory's filesystem actually
// supports: O_DIRECT, and Linux kernel AIO submission. The disk log
// writer (package logstore) uses the result to pick its submission path
// instead of baking the choice in at compile time, since the same binary
// may run against a tmpfs-backed test directory one moment and a real
// disk the next.
package probe

import (
	"os"
	"unsafe"
)

// DirectIOAlign is the alignment Linux O_DIRECT requires of buffer
// addresses, buffer lengths, and file offsets. Every write to a segment
// created in direct mode (Capabilities.AIO and Capabilities.ODirect both
// set) is padded up to this boundary.
const DirectIOAlign = 4096

// AlignUp rounds n up to the next multiple of align.
func AlignUp(n, align int64) int64 {
	if rem := n % align; rem != 0 {
		return n + (align - rem)
	}
	return n
}

// AlignedBuffer returns a zero-filled buffer of length n backed by memory
// starting at an address aligned to DirectIOAlign, as O_DIRECT requires.
func AlignedBuffer(n int) []byte {
	buf := make([]byte, n+DirectIOAlign)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	pad := 0
	if rem := addr % uintptr(DirectIOAlign); rem != 0 {
		pad = int(uintptr(DirectIOAlign) - rem)
	}
	return buf[pad : pad+n : pad+n]
}

// Fallocate reserves size bytes of real disk blocks for f, per-platform
// (posix_fallocate on Linux; a plain Truncate elsewhere, which only
// extends the file's apparent size and does not defend against ENOSPC
// the way a true fallocate does).
func Fallocate(f *os.File, size int64) error {
	return fallocateImpl(f, size)
}

// Fdatasync flushes f's data (and, where the platform can't separate the
// two cheaply, metadata) to disk. Used by the fallback write path after
// every WriteAt, since O_DSYNC alone isn't trusted across every
// filesystem this might run on.
func Fdatasync(f *os.File) error {
	return fdatasyncImpl(f)
}

// Capabilities describes what the data directory's filesystem supports.
type Capabilities struct {
	// ODirect reports whether O_DIRECT opens succeed against this
	// directory (some filesystems, notably tmpfs and overlayfs variants,
	// reject it).
	ODirect bool
	// AIO reports whether Linux kernel AIO (io_setup/io_submit/
	// io_getevents) is usable for this directory's file descriptors.
	AIO bool
}

// CompletionEvent reports the outcome of one previously-submitted AIO
// write.
type CompletionEvent struct {
	// ID echoes the value the submitter attached to the request (an
	// opaque correlation token, typically a batch sequence number).
	ID    uint64
	Bytes int
	Err   error
}

// AIOContext is the submission interface the disk log writer drives when
// Capabilities.AIO is true. A concrete AIOContext is tied to one open
// file descriptor at a time; Close releases the kernel io context and the
// eventfd used for completion notification.
type AIOContext interface {
	// Submit queues an aligned write of data to fd at the given file
	// offset, tagging the completion event with id. Submission is
	// non-blocking; completion arrives later via Wait.
	Submit(fd int, offset int64, data []byte, id uint64) error
	// EventFD returns the descriptor the reactor polls (via its own
	// readiness loop) to learn that one or more completions are ready.
	EventFD() int
	// Wait drains as many completion events as are currently available,
	// blocking only if none are ready yet when called directly (the
	// reactor is expected to call this after its poll on EventFD wakes
	// it, at which point at least one event is normally ready).
	Wait(max int) ([]CompletionEvent, error)
	// Wake unblocks a goroutine currently parked in Wait, without
	// corresponding to any real completion. Used to let a completion
	// poller observe a shutdown signal promptly instead of waiting
	// indefinitely for the next real write to complete.
	Wake() error
	Close() error
}

// Probe inspects dir (which must exist) and reports what it supports.
// It never panics; failures downgrade capabilities rather than erroring,
// since probing is inherently best-effort (this is exactly why it's a
// runtime check and not a build tag: the answer depends on the
// filesystem dir happens to sit on, not the OS).
func Probe(dir string) Capabilities {
	return probeImpl(dir)
}
