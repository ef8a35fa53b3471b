package nimbus

// EventLoop is the out-of-scope cooperative I/O adapter from spec.md §6.
// WithEventLoop stores it in Options, but Conn does not consult it: Connect
// always starts its own reader, writer and ping goroutines and never calls
// Attach, AddRead, AddWrite or Detach. ProcessReadEvent and
// ProcessWriteEvent are exported on Conn for an adapter to invoke when the
// underlying fd becomes readable or writable.
type EventLoop interface {
	Attach(c *Conn) error
	AddRead(c *Conn) error
	AddWrite(c *Conn) error
	Detach(c *Conn) error
}

// ProcessReadEvent is called by a cooperative EventLoop when the socket is
// readable. It performs one non-blocking read and feeds the bytes to the
// parser, exactly like the dedicated reader goroutine would in threaded
// mode, but returns instead of looping so the caller's event loop stays in
// control of scheduling.
func (c *Conn) ProcessReadEvent() error {
	buf := make([]byte, readBufSize)
	n, err := c.sock.Read(buf)
	if err != nil {
		c.handleIOError(wrapf(ErrIO, err, "cooperative read failed"))
		return err
	}
	if n == 0 {
		return nil
	}
	return c.feedParser(buf[:n])
}

// ProcessWriteEvent is called by a cooperative EventLoop when the socket
// is writable. It drains whatever is currently queued and writes it in
// one shot, matching the threaded writer's coalescing behavior.
func (c *Conn) ProcessWriteEvent() error {
	b, dones := c.outq.drainNonBlocking()
	if len(b) == 0 {
		return nil
	}
	_, err := c.sock.Write(b)
	for _, d := range dones {
		d(err)
	}
	if err != nil {
		c.handleIOError(wrapf(ErrIO, err, "cooperative write failed"))
	}
	return err
}
