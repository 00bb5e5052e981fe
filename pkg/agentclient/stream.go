package agentclient

import (
	"bytes"
	"io"
	"sync"
)

// chunkStream is the body of a tunneled response. Pushes never block; reads
// block until data arrives or the stream is finished.
type chunkStream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     bytes.Buffer
	err     error
	closed  bool
	onClose func()
}

func newChunkStream() *chunkStream {
	s := &chunkStream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *chunkStream) push(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil || s.closed {
		return
	}
	s.buf.Write(b)
	s.cond.Broadcast()
}

// finish ends the stream. Buffered data is still readable; err is returned
// once it is drained. The first call wins.
func (s *chunkStream) finish(err error) {
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	s.cond.Broadcast()
}

func (s *chunkStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() == 0 && s.err == nil && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if s.buf.Len() > 0 {
		return s.buf.Read(p)
	}
	return 0, s.err
}

func (s *chunkStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.buf.Reset()
	onClose := s.onClose
	s.cond.Broadcast()
	s.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}
