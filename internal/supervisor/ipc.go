package supervisor

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/devpocket/relay/internal/protocol"
)

// IPC message types exchanged on the parent<->child channel, distinct
// from the child's stdout/stderr (spec §4.1 Parent<->child IPC protocol).
const (
	IPCReady         = "ready"
	IPCDrainComplete = "drain_complete"
	IPCDrain         = "drain"
	IPCShutdown      = "shutdown"
)

// IPCMessage is the tagged envelope exchanged over the IPC channel.
type IPCMessage struct {
	Type string `json:"type"`
}

// IPCChannel wraps a length-delimited JSON framing over an arbitrary
// io.ReadWriter (in practice, an inherited pipe fd between parent and
// child). A 4-byte big-endian length prefix precedes each JSON payload,
// keeping frame boundaries unambiguous regardless of buffering.
type IPCChannel struct {
	writeMu sync.Mutex
	w       io.Writer
	r       *bufio.Reader
}

// NewIPCChannel wraps w and r for framed write/read.
func NewIPCChannel(w io.Writer, r io.Reader) *IPCChannel {
	return &IPCChannel{w: w, r: bufio.NewReader(r)}
}

// Send writes one framed message.
func (c *IPCChannel) Send(msg IPCMessage) error {
	data, err := protocol.JSON.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipc marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("ipc write length: %w", err)
	}
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("ipc write payload: %w", err)
	}
	return nil
}

// Recv blocks for the next framed message.
func (c *IPCChannel) Recv() (IPCMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return IPCMessage{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > 16*1024*1024 {
		return IPCMessage{}, fmt.Errorf("ipc frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return IPCMessage{}, err
	}
	var msg IPCMessage
	if err := protocol.JSON.Unmarshal(buf, &msg); err != nil {
		return IPCMessage{}, fmt.Errorf("ipc unmarshal: %w", err)
	}
	return msg, nil
}
