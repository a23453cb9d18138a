package transport

import (
	"net"
	"sync"

	"github.com/edgeworks/avc-agent/pkg/logging"
	"github.com/pkg/errors"
)

// readBufferSize fits any unfragmented datagram the engine produces.
const readBufferSize = 2048

// Datagram is one received message with its sender address.
type Datagram struct {
	Data []byte
	Addr net.Addr
}

// Callback receives datagrams from the read loop.
type Callback func(Datagram)

// Conn is a thin UDP wrapper: the protocol engine's DTLS record layer sits
// above it, so this only moves datagrams and owns the read-readiness
// monitor. Close is idempotent and tears the monitor down.
type Conn struct {
	log logging.Logger

	mu     sync.Mutex
	pc     net.PacketConn
	remote net.Addr
	closed bool
	done   chan struct{}
}

// Open binds a local UDP socket and starts delivering inbound datagrams to
// the callback.
func Open(log logging.Logger, local string, cb Callback) (*Conn, error) {
	if cb == nil {
		return nil, errors.New("datagram callback must be provided")
	}
	pc, err := net.ListenPacket("udp", local)
	if err != nil {
		return nil, errors.Wrap(err, "binding udp socket")
	}
	c := &Conn{
		log:  log,
		pc:   pc,
		done: make(chan struct{}),
	}
	go c.readLoop(cb)
	return c, nil
}

// Connect fixes the peer address used by Send.
func (c *Conn) Connect(remote string) error {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return errors.Wrapf(err, "resolving %q", remote)
	}
	c.mu.Lock()
	c.remote = addr
	c.mu.Unlock()
	return nil
}

// Send writes one datagram to the connected peer.
func (c *Conn) Send(p []byte) (int, error) {
	c.mu.Lock()
	pc, remote, closed := c.pc, c.remote, c.closed
	c.mu.Unlock()
	if closed {
		return 0, errors.New("send on closed transport")
	}
	if remote == nil {
		return 0, errors.New("send before connect")
	}
	n, err := pc.WriteTo(p, remote)
	return n, errors.Wrap(err, "sending datagram")
}

// Close shuts the socket and stops the read loop. Calling it again is a
// no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pc := c.pc
	c.mu.Unlock()

	err := pc.Close()
	<-c.done
	return errors.Wrap(err, "closing udp socket")
}

func (c *Conn) readLoop(cb Callback) {
	defer close(c.done)
	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := c.pc.ReadFrom(buf)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.log.WithError(err).Debug("udp read failed")
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		cb(Datagram{Data: data, Addr: addr})
	}
}
