//go:build linux

package probe

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux AIO syscall numbers (x86_64). golang.org/x/sys/unix doesn't wrap
// io_setup/io_submit/io_getevents/io_destroy directly, so these are
// issued via raw unix.Syscall, matching the kernel ABI in
// include/uapi/linux/aio_abi.h.
const (
	sysIOSetup    = 206
	sysIOSubmit   = 209
	sysIOGetevets = 208
	sysIODestroy  = 207
)

const iocbCmdPwrite = 1

// ODirectFlag and DSyncFlag are the os.OpenFile-compatible flag bits
// segment.go ORs into its open calls, per §4.2: O_DIRECT when the
// directory's filesystem supports it, O_DSYNC otherwise for the
// synchronous fallback write path.
const (
	ODirectFlag = unix.O_DIRECT
	DSyncFlag   = unix.O_DSYNC
)

func fallocateImpl(f *os.File, size int64) error {
	return unix.Fallocate(int(f.Fd()), 0, 0, size)
}

func fdatasyncImpl(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

// iocb mirrors struct iocb from the kernel AIO ABI for a pwrite request
// with the eventfd-notify flag set.
type iocb struct {
	data       uint64
	key        uint32
	rwFlags    uint32
	lioOpcode  uint16
	reqPrio    int16
	fd         uint32
	buf        uint64
	nbytes     uint64
	offset     int64
	reserved2  uint64
	flags      uint32
	resfd      uint32
}

const iocbFlagResfd = 1 << 0

// ioEvent mirrors struct io_event.
type ioEvent struct {
	data uint64
	obj  uint64
	res  int64
	res2 int64
}

func probeImpl(dir string) Capabilities {
	caps := Capabilities{}

	probePath := filepath.Join(dir, ".probe")
	f, err := os.OpenFile(probePath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return caps
	}
	defer func() {
		f.Close()
		os.Remove(probePath)
	}()
	if err := f.Truncate(4096); err != nil {
		return caps
	}

	if directFd, err := unix.Open(probePath, unix.O_RDWR|unix.O_DIRECT, 0600); err == nil {
		unix.Close(directFd)
		caps.ODirect = true
	}

	var ctxID uint64
	if _, _, errno := unix.Syscall(sysIOSetup, 1, uintptr(unsafe.Pointer(&ctxID)), 0); errno == 0 {
		caps.AIO = true
		unix.Syscall(sysIODestroy, uintptr(ctxID), 0, 0)
	}

	return caps
}

// context implements probe.AIOContext on top of the raw io_setup/
// io_submit/io_getevents/io_destroy syscalls, with completions signalled
// through an eventfd per the kernel's IOCB_FLAG_RESFD mechanism.
type context struct {
	mu      sync.Mutex
	id      uint64
	eventFd int
}

var _ AIOContext = (*context)(nil)

// NewAIOContext sets up a fresh kernel AIO context good for up to
// maxInFlight outstanding requests, with completions signalled on a new
// eventfd.
func NewAIOContext(maxInFlight int) (AIOContext, error) {
	efd, err := unix.Eventfd(0, 0)
	if err != nil {
		return nil, fmt.Errorf("probe: creating eventfd: %w", err)
	}
	var ctxID uint64
	if _, _, errno := unix.Syscall(sysIOSetup, uintptr(maxInFlight), uintptr(unsafe.Pointer(&ctxID)), 0); errno != 0 {
		unix.Close(efd)
		return nil, fmt.Errorf("probe: io_setup: %w", errno)
	}
	return &context{id: ctxID, eventFd: efd}, nil
}

func (c *context) EventFD() int { return c.eventFd }

func (c *context) Submit(fd int, offset int64, data []byte, id uint64) error {
	req := &iocb{
		lioOpcode: iocbCmdPwrite,
		fd:        uint32(fd),
		buf:       uint64(uintptr(unsafe.Pointer(&data[0]))),
		nbytes:    uint64(len(data)),
		offset:    offset,
		// rwFlags carries RWF_DSYNC so the kernel doesn't report completion
		// until the write is durable (§4.2 "On completion, all entries in
		// the batch are durable"); flags/resfd is the separate eventfd
		// completion-notify mechanism.
		rwFlags: unix.RWF_DSYNC,
		flags:   iocbFlagResfd,
		resfd:   uint32(c.eventFd),
		data:    id,
	}
	cbs := [1]*iocb{req}
	c.mu.Lock()
	_, _, errno := unix.Syscall(sysIOSubmit, uintptr(c.id), 1, uintptr(unsafe.Pointer(&cbs[0])))
	c.mu.Unlock()
	if errno != 0 {
		return fmt.Errorf("probe: io_submit: %w", errno)
	}
	return nil
}

// Wait blocks on the eventfd until at least one completion is signalled
// (the counter value itself is advisory only: a single wakeup can
// coalesce multiple completions), then reaps up to max completion
// events without blocking further via io_getevents, which is the
// authoritative source of truth.
func (c *context) Wait(max int) ([]CompletionEvent, error) {
	var counter [8]byte
	if _, err := unix.Read(c.eventFd, counter[:]); err != nil {
		return nil, fmt.Errorf("probe: reading eventfd: %w", err)
	}

	events := make([]ioEvent, max)
	var timeout unix.Timespec // zero timeout: non-blocking reap
	n, _, errno := unix.Syscall6(sysIOGetevets, uintptr(c.id), 0, uintptr(max), uintptr(unsafe.Pointer(&events[0])), uintptr(unsafe.Pointer(&timeout)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("probe: io_getevents: %w", errno)
	}
	out := make([]CompletionEvent, 0, n)
	for i := 0; i < int(n); i++ {
		ev := events[i]
		var err error
		if ev.res < 0 {
			err = unix.Errno(-ev.res)
		}
		out = append(out, CompletionEvent{ID: ev.data, Bytes: int(ev.res), Err: err})
	}
	return out, nil
}

// Wake posts an extra completion count to the eventfd, unblocking
// exactly one pending Read in Wait even though no real write completed.
func (c *context) Wake() error {
	var val [8]byte
	val[0] = 1
	if _, err := unix.Write(c.eventFd, val[:]); err != nil {
		return fmt.Errorf("probe: waking eventfd: %w", err)
	}
	return nil
}

func (c *context) Close() error {
	unix.Close(c.eventFd)
	_, _, errno := unix.Syscall(sysIODestroy, uintptr(c.id), 0, 0)
	if errno != 0 {
		return fmt.Errorf("probe: io_destroy: %w", errno)
	}
	return nil
}
