// Package transport frames JSON-RPC messages as newline-delimited JSON over
// a byte stream. One Conn owns both directions of a connection: reads are
// single-threaded through Receive, writes from any goroutine are serialized
// so frames never interleave.
package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"sync"

	"github.com/m4xw311/parley/protocol"
)

// MaxFrameSize bounds a single inbound line. Lines beyond this tear down the
// connection rather than risk unbounded buffering.
const MaxFrameSize = 10 * 1024 * 1024

var (
	// ErrClosed reports that the peer closed the stream or it became
	// unreadable.
	ErrClosed = stderrors.New("connection closed")

	// ErrMalformedFrame reports a line that was not valid JSON. The
	// connection remains usable; subsequent lines can still be read.
	ErrMalformedFrame = stderrors.New("malformed frame")
)

// Conn is one NDJSON connection.
type Conn struct {
	scanner *bufio.Scanner
	out     *bufio.Writer
	wmu     sync.Mutex
	trace   func(string)
}

// NewConn wraps a reader/writer pair. trace may be nil.
func NewConn(r io.Reader, w io.Writer, trace func(string)) *Conn {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameSize)
	if trace == nil {
		trace = func(string) {}
	}
	return &Conn{
		scanner: scanner,
		out:     bufio.NewWriter(w),
		trace:   trace,
	}
}

// Receive reads the next frame, skipping blank lines. It returns ErrClosed
// once the stream ends and ErrMalformedFrame for a line that is not valid
// JSON; only the latter leaves the connection readable.
func (c *Conn) Receive() (*protocol.Message, error) {
	for {
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				c.trace(fmt.Sprintf("recv: stream error: %v", err))
				return nil, fmt.Errorf("%w: %v", ErrClosed, err)
			}
			c.trace("recv: EOF")
			return nil, ErrClosed
		}
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		c.trace(fmt.Sprintf("recv: %s", line))
		msg, err := protocol.DecodeMessage(line)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return msg, nil
	}
}

// Send marshals v and writes it as one line. Concurrent calls are safe; each
// frame is written and flushed whole before the next begins.
func (c *Conn) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.trace(fmt.Sprintf("send: %s", data))
	if _, err := c.out.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if err := c.out.WriteByte('\n'); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if err := c.out.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}
