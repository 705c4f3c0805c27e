package sync

import "sync"

// Closer implements a simple one-shot closing facility used to signal
// graceful shutdown across concurrent processes.
type Closer struct {
	once   sync.Once
	doneCh chan struct{}
}

func NewCloser() *Closer {
	return &Closer{doneCh: make(chan struct{})}
}

// Done returns the internal done channel, closed exactly once.
func (c *Closer) Done() <-chan struct{} {
	return c.doneCh
}

// Close signals closure. Safe to call multiple times.
func (c *Closer) Close() {
	c.once.Do(func() { close(c.doneCh) })
}
