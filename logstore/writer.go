package logstore

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sushantsondhi/raftd/internal/probe"
)

// writeRequest is one durability request: write data to fd at offset, and
// report completion via done.
type writeRequest struct {
	file   *os.File
	offset int64
	data   []byte
	done   chan error
}

// writer is the disk log's async completion path (§4.2). When the data
// directory's filesystem supports it, writes submit through Linux kernel
// AIO with aligned O_DIRECT buffers; otherwise they fall back to a small
// worker pool issuing synchronous pwrite onto O_DSYNC-opened files. Either
// way, completion is reported asynchronously to the caller via a channel
// rather than by blocking the submitting goroutine.
type writer struct {
	caps probe.Capabilities

	// AIO path.
	aio      probe.AIOContext
	aioMu    sync.Mutex
	pending  map[uint64]chan error
	nextID   uint64
	stopPoll chan struct{}
	pollWG   sync.WaitGroup

	// Fallback path.
	jobs   chan writeRequest
	workWG sync.WaitGroup

	errored atomic.Bool
	stopped atomic.Bool
}

const fallbackWorkers = 4
const fallbackQueueDepth = 256

func newWriter(dir string) *writer {
	caps := probe.Probe(dir)
	w := &writer{caps: caps}

	if caps.AIO {
		if ctx, err := probe.NewAIOContext(fallbackQueueDepth); err == nil {
			w.aio = ctx
			w.pending = make(map[uint64]chan error)
			w.stopPoll = make(chan struct{})
			w.pollWG.Add(1)
			go w.pollCompletions()
			return w
		}
		// AIO context setup failed despite a successful probe (e.g. the
		// process's AIO request limit is already exhausted); degrade to
		// the fallback path rather than failing the writer outright.
		w.caps.AIO = false
	}

	w.jobs = make(chan writeRequest, fallbackQueueDepth)
	for i := 0; i < fallbackWorkers; i++ {
		w.workWG.Add(1)
		go w.fallbackWorker()
	}
	return w
}

// submit writes data to file at offset and returns a channel that
// receives exactly one error (nil on success) once the write is durable.
func (w *writer) submit(file *os.File, offset int64, data []byte) chan error {
	done := make(chan error, 1)
	if w.errored.Load() {
		done <- fmt.Errorf("%w", errWriterFailed)
		return done
	}
	if w.stopped.Load() {
		done <- fmt.Errorf("logstore: writer is closed")
		return done
	}

	if w.aio != nil {
		w.aioMu.Lock()
		id := w.nextID
		w.nextID++
		w.pending[id] = done
		w.aioMu.Unlock()

		if err := w.aio.Submit(int(file.Fd()), offset, data, id); err != nil {
			w.aioMu.Lock()
			delete(w.pending, id)
			w.aioMu.Unlock()
			w.errored.Store(true)
			done <- err
		}
		return done
	}

	w.jobs <- writeRequest{file: file, offset: offset, data: data, done: done}
	return done
}

func (w *writer) pollCompletions() {
	defer w.pollWG.Done()
	for {
		select {
		case <-w.stopPoll:
			w.aioMu.Lock()
			idle := len(w.pending) == 0
			w.aioMu.Unlock()
			if idle {
				return
			}
		default:
		}
		events, err := w.aio.Wait(fallbackQueueDepth)
		if err != nil {
			w.errored.Store(true)
			return
		}
		if len(events) == 0 {
			continue
		}
		w.aioMu.Lock()
		for _, ev := range events {
			if ch, ok := w.pending[ev.ID]; ok {
				delete(w.pending, ev.ID)
				ch <- ev.Err
			}
		}
		w.aioMu.Unlock()
	}
}

func (w *writer) fallbackWorker() {
	defer w.workWG.Done()
	for req := range w.jobs {
		_, err := req.file.WriteAt(req.data, req.offset)
		if err == nil {
			// The segment is opened O_DSYNC (see createSegment) so this
			// ought to already be durable; Fdatasync is one more guarantee
			// against filesystems that don't honor O_DSYNC on every write.
			err = probe.Fdatasync(req.file)
		}
		if err != nil {
			w.errored.Store(true)
		}
		req.done <- err
	}
}

// close drains outstanding submissions before releasing the writer's
// resources, per §4.2 "closing drains: no new submissions after close is
// requested; outstanding writes are awaited".
func (w *writer) close() error {
	w.stopped.Store(true)
	if w.aio != nil {
		close(w.stopPoll)
		w.aio.Wake()
		w.pollWG.Wait()
		return w.aio.Close()
	}
	close(w.jobs)
	w.workWG.Wait()
	return nil
}

var errWriterFailed = fmt.Errorf("logstore: writer is in a failed state")
