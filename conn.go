package gabp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// readBufferSize is the scratch buffer used by the per-connection read loop.
const readBufferSize = 8 * 1024

// conn is one accepted bridge connection. Writes are serialized through
// writeMu so the header block and payload of a frame are never interleaved
// with another message's bytes. The read loop owns the frame decoder; no
// other goroutine touches it.
type conn struct {
	id      string
	netConn net.Conn
	logger  *slog.Logger
	decoder *FrameDecoder

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(netConn net.Conn, logger *slog.Logger) *conn {
	id := uuid.New().String()
	logger = logger.With(slog.String("connectionID", id))
	return &conn{
		id:      id,
		netConn: netConn,
		logger:  logger,
		decoder: NewFrameDecoder(logger),
		done:    make(chan struct{}),
	}
}

func (c *conn) ID() string {
	return c.id
}

// Connected reports whether the connection has not been closed yet.
func (c *conn) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send encodes msg and writes the whole frame in a single write under the
// connection's write lock. A write error closes the connection.
func (c *conn) Send(ctx context.Context, msg Message) error {
	frame, err := EncodeFrame(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.netConn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
		defer c.netConn.SetWriteDeadline(time.Time{})
	}

	if _, err := c.netConn.Write(frame); err != nil {
		c.close()
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// readLoop reads from the socket into a scratch buffer, drives the frame
// decoder, and hands each decoded message to handle in receive order. It
// returns when the socket reports EOF or an error, or when the header block
// of a frame cannot be decoded.
func (c *conn) readLoop(handle func(Message)) {
	scratch := make([]byte, readBufferSize)

	for {
		n, err := c.netConn.Read(scratch)
		if n > 0 {
			c.decoder.Push(scratch[:n])
			for {
				msg, ok, decodeErr := c.decoder.Next()
				if decodeErr != nil {
					c.logger.Warn("closing connection on undecodable frame",
						slog.String("err", decodeErr.Error()))
					return
				}
				if !ok {
					break
				}
				handle(msg)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("read loop terminated", slog.String("err", err.Error()))
			}
			return
		}
	}
}

// close shuts the socket down. Safe to call from any goroutine, any number
// of times; the underlying close happens once.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.netConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug("failed to close connection", slog.String("err", err.Error()))
		}
	})
}
