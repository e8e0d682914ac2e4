// Package network moves sequenced voice packets over a single UDP
// socket. There is no session, no handshake, and no retransmission;
// the datagram either arrives or it does not.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/opd-ai/novavoice/buffer"
	"github.com/opd-ai/novavoice/config"
)

// ErrNoRemote is returned by Send before a peer address is known.
var ErrNoRemote = errors.New("network: no remote address")

// Mode selects how the transport learns its peer.
type Mode int

const (
	// Listening binds a local port and latches the remote to the
	// source of the most recent datagram.
	Listening Mode = iota
	// Directed is given the remote up front; the local port is
	// OS-assigned unless specified.
	Directed
)

// String returns the mode name for logging.
func (m Mode) String() string {
	if m == Directed {
		return "directed"
	}
	return "listening"
}

// receiveBufferSize holds one maximum packet: a 4-byte header plus up
// to PacketSize*2 - 4 bytes of payload. Larger datagrams truncate.
const receiveBufferSize = config.PacketSize * 2

const readDeadline = 100 * time.Millisecond

// UDPTransport owns the datagram socket and its receiver goroutine.
//
// Received packets land on the buffer manager's output queue for the
// playback path; Send runs on the caller's goroutine. All counters are
// atomic and safe to read while the receiver runs.
type UDPTransport struct {
	conn    *net.UDPConn
	mode    Mode
	manager *buffer.Manager
	metrics *Metrics

	mu       sync.RWMutex
	remote   *net.UDPAddr
	onPacket func(p *buffer.Packet, from net.Addr)
	onData   func(data []byte, from net.Addr)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool

	sentPackets     atomic.Uint64
	receivedPackets atomic.Uint64
	failedSends     atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
}

// NewListeningTransport binds the local port and waits for the peer to
// speak first.
func NewListeningTransport(localPort int, manager *buffer.Manager) (*UDPTransport, error) {
	conn, err := bindUDP(localPort)
	if err != nil {
		return nil, err
	}
	return newTransport(conn, Listening, nil, manager), nil
}

// NewDirectedTransport knows its peer up front and sends to it
// immediately. localPort may be 0 for an OS-assigned port.
func NewDirectedTransport(remoteIP string, localPort, remotePort int, manager *buffer.Manager) (*UDPTransport, error) {
	ip := net.ParseIP(remoteIP)
	if ip == nil {
		return nil, fmt.Errorf("network: invalid remote address %q", remoteIP)
	}

	conn, err := bindUDP(localPort)
	if err != nil {
		return nil, err
	}

	remote := &net.UDPAddr{IP: ip, Port: remotePort}
	return newTransport(conn, Directed, remote, manager), nil
}

// bindUDP opens the socket with SO_REUSEADDR so a restarted process
// can rebind while old sockets linger in TIME_WAIT-like states.
func bindUDP(localPort int) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", fmt.Sprintf(":%d", localPort))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "bindUDP",
			"port":     localPort,
			"error":    err.Error(),
		}).Error("Failed to bind UDP socket")
		return nil, fmt.Errorf("bind udp :%d: %w", localPort, err)
	}
	return pc.(*net.UDPConn), nil
}

func newTransport(conn *net.UDPConn, mode Mode, remote *net.UDPAddr, manager *buffer.Manager) *UDPTransport {
	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:    conn,
		mode:    mode,
		remote:  remote,
		manager: manager,
		metrics: NewMetrics(),
		ctx:     ctx,
		cancel:  cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function": "newTransport",
		"mode":     mode.String(),
		"local":    conn.LocalAddr().String(),
		"remote":   remoteString(remote),
	}).Info("UDP transport created")

	return t
}

func remoteString(addr *net.UDPAddr) string {
	if addr == nil {
		return "(unknown)"
	}
	return addr.String()
}

// Start launches the receiver goroutine. Safe to call once.
func (t *UDPTransport) Start() error {
	if !t.started.CompareAndSwap(false, true) {
		return fmt.Errorf("network: transport already started")
	}

	t.wg.Add(1)
	go t.receiveLoop()

	logrus.WithField("function", "UDPTransport.Start").Info("Receiver started")
	return nil
}

// receiveLoop reads datagrams until the context is canceled. Short
// read deadlines keep shutdown latency to one in-flight read.
func (t *UDPTransport) receiveLoop() {
	defer t.wg.Done()

	buf := make([]byte, receiveBufferSize)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		_ = t.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if t.ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "UDPTransport.receiveLoop",
				"error":    err.Error(),
			}).Warn("Receive failed")
			continue
		}

		t.handleDatagram(buf[:n], addr)
	}
}

// handleDatagram parses, latches the peer in listening mode, and hands
// the packet off.
func (t *UDPTransport) handleDatagram(data []byte, from *net.UDPAddr) {
	packet, err := buffer.DeserializePacket(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.receiveLoop",
			"bytes":    len(data),
			"from":     from.String(),
			"error":    err.Error(),
		}).Debug("Discarding malformed datagram")
		return
	}

	if t.mode == Listening {
		t.mu.Lock()
		t.remote = from
		t.mu.Unlock()
	}

	// Sequence-only datagrams keep the peer latched but carry no
	// audio.
	if len(packet.Payload) == 0 {
		return
	}

	t.receivedPackets.Add(1)
	t.bytesReceived.Add(uint64(len(data)))
	t.metrics.RecordArrival(packet.SequenceNumber, len(data), time.Now())

	t.mu.RLock()
	onPacket := t.onPacket
	onData := t.onData
	t.mu.RUnlock()

	if onPacket != nil {
		onPacket(packet, from)
	}
	if onData != nil {
		onData(packet.Payload, from)
	}

	if t.manager != nil {
		t.manager.PushNetworkPacket(packet)
	}
}

// Send serializes the packet and sends it to the current remote.
// Failing or partial sends count toward FailedSends.
func (t *UDPTransport) Send(packet *buffer.Packet) error {
	t.mu.RLock()
	remote := t.remote
	t.mu.RUnlock()

	if remote == nil {
		t.failedSends.Add(1)
		return ErrNoRemote
	}

	data := packet.Serialize()
	n, err := t.conn.WriteToUDP(data, remote)
	if err != nil {
		t.failedSends.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "UDPTransport.Send",
			"remote":   remote.String(),
			"error":    err.Error(),
		}).Warn("Send failed")
		return fmt.Errorf("send to %s: %w", remote, err)
	}
	if n < len(data) {
		t.failedSends.Add(1)
		return fmt.Errorf("network: short send %d of %d bytes", n, len(data))
	}

	t.sentPackets.Add(1)
	t.bytesSent.Add(uint64(n))
	return nil
}

// SendData wraps raw payload bytes with the given sequence number and
// sends them.
func (t *UDPTransport) SendData(payload []byte, seq uint32) error {
	return t.Send(buffer.NewPacket(payload, seq))
}

// OnPacketReceived installs the callback invoked for every valid
// non-empty packet, before it is enqueued.
func (t *UDPTransport) OnPacketReceived(cb func(p *buffer.Packet, from net.Addr)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPacket = cb
}

// OnDataReceived installs the payload-only callback.
func (t *UDPTransport) OnDataReceived(cb func(data []byte, from net.Addr)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onData = cb
}

// RemoteAddr returns the current peer, or nil if none has latched.
func (t *UDPTransport) RemoteAddr() *net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.remote
}

// LocalAddr returns the bound local address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Mode returns whether the transport is listening or directed.
func (t *UDPTransport) Mode() Mode {
	return t.mode
}

// Metrics returns the link quality tracker.
func (t *UDPTransport) Metrics() *Metrics {
	return t.metrics
}

// SentPackets returns the number of successful sends.
func (t *UDPTransport) SentPackets() uint64 { return t.sentPackets.Load() }

// ReceivedPackets returns the number of valid packets received.
func (t *UDPTransport) ReceivedPackets() uint64 { return t.receivedPackets.Load() }

// FailedSends returns the number of failed or partial sends.
func (t *UDPTransport) FailedSends() uint64 { return t.failedSends.Load() }

// BytesSent returns the total bytes put on the wire.
func (t *UDPTransport) BytesSent() uint64 { return t.bytesSent.Load() }

// BytesReceived returns the total valid bytes taken off the wire.
func (t *UDPTransport) BytesReceived() uint64 { return t.bytesReceived.Load() }

// Close stops the receiver and closes the socket. Safe to call more
// than once.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "UDPTransport.Close",
		"sent":     t.sentPackets.Load(),
		"received": t.receivedPackets.Load(),
		"failed":   t.failedSends.Load(),
	}).Info("UDP transport closed")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
