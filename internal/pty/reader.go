package pty

import (
	"errors"
	"io"
	"log"
	"os"
	"syscall"
	"time"
)

// readerWorker is the one blocking reader per session. It
// holds only the session's id (not a direct pointer) and consults the
// registry on every chunk to fetch the current sink — a direct back
// reference would create an ownership cycle, and the worker exits as soon
// as that lookup fails so it never outlives its session.
type readerWorker struct {
	id       SessionId
	reg      *Registry
	src      *os.File
	queue    *outputQueue
	shutdown <-chan struct{}
	done     chan struct{}
}

func newReaderWorker(id SessionId, reg *Registry, src *os.File, queue *outputQueue, shutdown <-chan struct{}) *readerWorker {
	return &readerWorker{
		id:       id,
		reg:      reg,
		src:      src,
		queue:    queue,
		shutdown: shutdown,
		done:     make(chan struct{}),
	}
}

func (w *readerWorker) run() {
	defer close(w.done)

	buf := make([]byte, maxChunkBytes)
	for {
		select {
		case <-w.shutdown:
			return
		default:
		}

		n, err := w.src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			sess, ok := w.reg.Lookup(w.id)
			if !ok {
				return
			}
			sess.noteOutput()

			sess.sinkMu.Lock()
			sink := sess.sink
			sess.sinkMu.Unlock()
			if sink != nil {
				cp := make([]byte, n)
				copy(cp, chunk)
				go sink(cp)
			}

			if !w.queue.enqueue(chunk) {
				log.Printf("pty: session %s: dropped output chunk (queue full)", w.id)
			}
		}

		if err != nil {
			if err == io.EOF {
				return
			}
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
				time.Sleep(time.Millisecond)
				continue
			}
			return
		}
	}
}
