package gdb

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/SuchAFuriousDeath/obliteration/internal/errx"
)

// Interrupt is the out-of-band break byte a debugger sends to request a
// stop. ReadPacket surfaces it as a one-byte packet.
const Interrupt = 0x03

const maxWriteRetries = 5

// Client is a connected debugger channel speaking the GDB remote serial
// protocol. It is single-owner: the embedder moves it into the VMM at
// start and must not use it afterward.
type Client struct {
	conn    net.Conn
	br      *bufio.Reader
	fd      int
	noAck   bool
	onClose func()
	closed  bool
}

func newClient(conn net.Conn, onClose func()) (*Client, error) {
	fd := -1
	if tc, ok := conn.(*net.TCPConn); ok {
		var err error
		fd, err = socketFd(tc)
		if err != nil {
			return nil, err
		}
	}
	return &Client{
		conn:    conn,
		br:      bufio.NewReader(conn),
		fd:      fd,
		onClose: onClose,
	}, nil
}

// Socket returns the connection descriptor for readiness polling, -1 when
// the transport has no descriptor.
func (c *Client) Socket() int {
	return c.fd
}

// SetNoAckMode disables +/- acknowledgements after QStartNoAckMode has
// been negotiated.
func (c *Client) SetNoAckMode(enabled bool) {
	c.noAck = enabled
}

// ReadPacket reads one framed packet ($data#xx), verifies its checksum,
// acknowledges it and returns the unescaped payload. A lone interrupt
// byte is returned as a one-byte packet.
func (c *Client) ReadPacket() ([]byte, error) {
	for {
		b, err := c.br.ReadByte()
		if err != nil {
			return nil, errx.Wrap(ErrRead, err)
		}

		switch b {
		case '+', '-':
			// Stray acknowledgement, nothing to do.
			continue
		case Interrupt:
			return []byte{Interrupt}, nil
		case '$':
		default:
			return nil, errx.With(ErrMalformedPacket, ": unexpected byte %#x", b)
		}

		raw, err := c.br.ReadBytes('#')
		if err != nil {
			return nil, errx.Wrap(ErrRead, err)
		}
		raw = raw[:len(raw)-1]

		var sum [2]byte
		if _, err := readFull(c.br, sum[:]); err != nil {
			return nil, errx.Wrap(ErrRead, err)
		}

		want, err := hex.DecodeString(string(sum[:]))
		if err != nil {
			return nil, errx.With(ErrMalformedPacket, ": bad checksum digits %q", sum)
		}

		if checksum(raw) != want[0] {
			if !c.noAck {
				if _, err := c.conn.Write([]byte{'-'}); err != nil {
					return nil, errx.Wrap(ErrWrite, err)
				}
				continue
			}
			return nil, ErrChecksum
		}

		if !c.noAck {
			if _, err := c.conn.Write([]byte{'+'}); err != nil {
				return nil, errx.Wrap(ErrWrite, err)
			}
		}

		return unescape(raw), nil
	}
}

// WritePacket frames and sends data, retransmitting on negative
// acknowledgement until the peer accepts it.
func (c *Client) WritePacket(data []byte) error {
	frame := make([]byte, 0, len(data)+4)
	frame = append(frame, '$')
	escaped := escape(data)
	frame = append(frame, escaped...)
	frame = append(frame, '#')
	frame = append(frame, fmt.Sprintf("%02x", checksum(escaped))...)

	for attempt := 0; attempt < maxWriteRetries; attempt++ {
		if _, err := c.conn.Write(frame); err != nil {
			return errx.Wrap(ErrWrite, err)
		}
		if c.noAck {
			return nil
		}

		ack, err := c.br.ReadByte()
		if err != nil {
			return errx.Wrap(ErrRead, err)
		}
		switch ack {
		case '+':
			return nil
		case '-':
			continue
		default:
			// Not an ack; leave it for the next read.
			if err := c.br.UnreadByte(); err != nil {
				return errx.Wrap(ErrRead, err)
			}
			return nil
		}
	}
	return ErrNack
}

// Close closes the connection and releases the owning server slot.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.conn.Close()
	if c.onClose != nil {
		c.onClose()
	}
	return err
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

func escape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch b {
		case '#', '$', '}', '*':
			out = append(out, '}', b^0x20)
		default:
			out = append(out, b)
		}
	}
	return out
}

func unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '}' && i+1 < len(data) {
			i++
			out = append(out, data[i]^0x20)
			continue
		}
		out = append(out, data[i])
	}
	return out
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
