package flow

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// ReadHalf is the client-to-relay direction of a Stream.
type ReadHalf interface {
	io.Reader
	// CloseRead stops reading. It is safe to call more than once.
	CloseRead() error
}

// WriteHalf is the relay-to-client direction of a Stream.
type WriteHalf interface {
	io.Writer
	// CloseWrite signals end of data to the client. It is safe to call more
	// than once.
	CloseWrite() error
}

type closeReader interface{ CloseRead() error }
type closeWriter interface{ CloseWrite() error }

type halves struct {
	conn net.Conn
	open atomic.Int32
}

// release closes the connection when the last half lets go of it.
func (h *halves) release() error {
	if h.open.Add(-1) == 0 {
		return h.conn.Close()
	}
	return nil
}

type readHalf struct {
	*halves
	once sync.Once
}

func (r *readHalf) Read(p []byte) (int, error) { return r.conn.Read(p) }

func (r *readHalf) CloseRead() error {
	var err error
	r.once.Do(func() {
		if cr, ok := r.conn.(closeReader); ok {
			err = cr.CloseRead()
		}
		if rerr := r.release(); err == nil {
			err = rerr
		}
	})
	return err
}

type writeHalf struct {
	*halves
	once sync.Once
}

func (w *writeHalf) Write(p []byte) (int, error) { return w.conn.Write(p) }

func (w *writeHalf) CloseWrite() error {
	var err error
	w.once.Do(func() {
		if cw, ok := w.conn.(closeWriter); ok {
			err = cw.CloseWrite()
		}
		if rerr := w.release(); err == nil {
			err = rerr
		}
	})
	return err
}
