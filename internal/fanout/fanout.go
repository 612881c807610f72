// Package fanout distributes microphone PCM frames to local consumers over
// a unix socket. The capture side is a single producer; the wake detector
// and speech recognizer attach as independent clients, each with its own
// bounded queue so a stalled consumer never blocks capture or its peers.
//
// Frames are msgpack-encoded on the stream; the decoder's object framing
// makes a length prefix unnecessary.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// clientQueueSize bounds the per-client frame backlog. At the default 20 ms
// framing this is about five seconds of audio.
const clientQueueSize = 256

// Frame is one capture interval of 16-bit little-endian mono PCM.
type Frame struct {
	Seq        uint64 `msgpack:"seq"`
	TS         int64  `msgpack:"ts"` // capture time, unix nanoseconds
	SampleRate int    `msgpack:"rate"`
	PCM        []byte `msgpack:"pcm"`
}

// FrameBytes returns the PCM byte length of one frame at the given sample
// rate and duration.
func FrameBytes(sampleRate, frameMs int) int {
	return sampleRate * frameMs / 1000 * 2
}

// Server owns the unix socket and the set of attached clients.
type Server struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]chan Frame
}

// NewServer creates a server for the given socket path. Call Listen before
// Serve.
func NewServer(path string, logger *slog.Logger) *Server {
	return &Server{
		path:   path,
		logger: logger,
		conns:  make(map[net.Conn]chan Frame),
	}
}

// Listen binds the unix socket, replacing a stale socket file left by a
// previous run.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("fanout socket dir: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("fanout remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("fanout listen %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("fanout listening", "socket", s.path)
	return nil
}

// Serve accepts clients until ctx is cancelled. Each client gets a writer
// goroutine draining its queue onto the socket.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("fanout server not listening")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fanout accept: %w", err)
		}
		queue := make(chan Frame, clientQueueSize)
		s.mu.Lock()
		s.conns[conn] = queue
		n := len(s.conns)
		s.mu.Unlock()
		s.logger.Info("fanout client attached", "clients", n)
		go s.writeLoop(conn, queue)
	}
}

func (s *Server) writeLoop(conn net.Conn, queue chan Frame) {
	enc := msgpack.NewEncoder(conn)
	for f := range queue {
		if err := enc.Encode(&f); err != nil {
			s.drop(conn)
			s.logger.Info("fanout client detached", "error", err)
			return
		}
	}
	conn.Close()
}

func (s *Server) drop(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// Broadcast queues a frame for every attached client. A client whose queue
// is full misses the frame; audio consumers prefer fresh frames over
// complete ones.
func (s *Server) Broadcast(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, queue := range s.conns {
		select {
		case queue <- f:
		default:
		}
	}
}

// ClientCount returns the number of attached clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close shuts the listener and disconnects every client.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	queues := make([]chan Frame, 0, len(s.conns))
	for conn, queue := range s.conns {
		queues = append(queues, queue)
		delete(s.conns, conn)
	}
	s.mu.Unlock()

	for _, q := range queues {
		close(q)
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// Pump reads raw PCM from r, slices it into frames of frameMs, and
// broadcasts each one. Returns nil on EOF; a trailing partial frame is
// discarded. Pump paces itself by read availability, not a timer: a live
// capture source produces data in real time, and a file source is for
// replay where pacing is the caller's concern.
func (s *Server) Pump(ctx context.Context, r io.Reader, sampleRate, frameMs int) error {
	size := FrameBytes(sampleRate, frameMs)
	if size <= 0 {
		return fmt.Errorf("fanout frame size %d from rate=%d ms=%d", size, sampleRate, frameMs)
	}

	var seq uint64
	buf := make([]byte, size)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("fanout read pcm: %w", err)
		}
		seq++
		pcm := make([]byte, size)
		copy(pcm, buf)
		s.Broadcast(Frame{
			Seq:        seq,
			TS:         time.Now().UnixNano(),
			SampleRate: sampleRate,
			PCM:        pcm,
		})
	}
}

// Client reads frames from a fanout server.
type Client struct {
	conn net.Conn
	dec  *msgpack.Decoder
}

// Dial connects to the fanout socket.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("fanout dial %s: %w", path, err)
	}
	return &Client{conn: conn, dec: msgpack.NewDecoder(conn)}, nil
}

// Next blocks until the next frame arrives. Returns io.EOF when the server
// closes the stream.
func (c *Client) Next() (Frame, error) {
	var f Frame
	if err := c.dec.Decode(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Stream decodes frames into a channel until ctx is cancelled or the
// stream ends. The channel is closed on exit; the connection is closed
// with it.
func (c *Client) Stream(ctx context.Context) <-chan Frame {
	out := make(chan Frame, 16)
	go func() {
		<-ctx.Done()
		c.conn.Close()
	}()
	go func() {
		defer close(out)
		for {
			f, err := c.Next()
			if err != nil {
				return
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
