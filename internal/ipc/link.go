package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds a single encoded envelope.
const DefaultMaxFrameSize = 16 << 20

var (
	ErrLinkClosed    = errors.New("ipc link closed")
	ErrFrameTooLarge = errors.New("ipc frame too large")
	// ErrMalformed marks a frame that was read in full but did not decode.
	// The link remains usable.
	ErrMalformed = errors.New("malformed envelope")
)

// Link is a framed, bidirectional envelope channel. Each frame is a varint
// length prefix followed by the JSON envelope. Send is safe for concurrent use;
// Receive must be called from a single goroutine.
type Link struct {
	reader   *bufio.Reader
	writer   io.Writer
	closers  []io.Closer
	maxFrame int

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

type LinkOption func(*Link)

func WithMaxFrameSize(size int) LinkOption {
	return func(link *Link) {
		if size > 0 {
			link.maxFrame = size
		}
	}
}

// WithClosers registers resources released by Close in addition to the reader
// and writer.
func WithClosers(closers ...io.Closer) LinkOption {
	return func(link *Link) {
		link.closers = append(link.closers, closers...)
	}
}

// NewLink frames envelopes over r and w. Close closes r and w when they
// implement io.Closer; a stream passed as both is closed twice and the second
// error is ignored.
func NewLink(r io.Reader, w io.Writer, opts ...LinkOption) *Link {
	link := &Link{
		reader:   bufio.NewReader(r),
		writer:   w,
		maxFrame: DefaultMaxFrameSize,
		closed:   make(chan struct{}),
	}
	if closer, ok := w.(io.Closer); ok {
		link.closers = append(link.closers, closer)
	}
	if closer, ok := r.(io.Closer); ok {
		link.closers = append(link.closers, closer)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(link)
		}
	}
	return link
}

// Pipe returns two connected in-memory links.
func Pipe() (*Link, *Link) {
	left, right := net.Pipe()
	return NewLink(left, left), NewLink(right, right)
}

// Send writes one envelope. Frames from concurrent callers never interleave.
func (l *Link) Send(env Envelope) error {
	if l == nil {
		return ErrLinkClosed
	}
	body, err := Encode(env)
	if err != nil {
		return err
	}
	if len(body) > l.maxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	frame := protowire.AppendVarint(make([]byte, 0, len(body)+protowire.SizeVarint(uint64(len(body)))), uint64(len(body)))
	frame = append(frame, body...)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}
	if _, err := l.writer.Write(frame); err != nil {
		if l.isClosed() || alreadyClosed(err) || errors.Is(err, syscall.EPIPE) {
			return ErrLinkClosed
		}
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Receive reads the next envelope. It returns io.EOF when the peer closed the
// link cleanly and an error wrapping ErrMalformed for a frame that failed to
// decode.
func (l *Link) Receive() (Envelope, error) {
	if l == nil {
		return Envelope{}, ErrLinkClosed
	}
	size, err := l.readLength()
	if err != nil {
		return Envelope{}, err
	}
	if size > uint64(l.maxFrame) {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(l.reader, body); err != nil {
		return Envelope{}, l.readErr(err)
	}
	env, err := Decode(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

func (l *Link) readLength() (uint64, error) {
	var prefix [binaryMaxVarintLen]byte
	for i := 0; i < len(prefix); i++ {
		b, err := l.reader.ReadByte()
		if err != nil {
			if i == 0 && errors.Is(err, io.EOF) && !l.isClosed() {
				return 0, io.EOF
			}
			return 0, l.readErr(err)
		}
		prefix[i] = b
		if b < 0x80 {
			value, n := protowire.ConsumeVarint(prefix[:i+1])
			if n < 0 {
				return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			return value, nil
		}
	}
	return 0, fmt.Errorf("%w: length prefix overflow", ErrMalformed)
}

const binaryMaxVarintLen = 10

func (l *Link) readErr(err error) error {
	if l.isClosed() || alreadyClosed(err) {
		return ErrLinkClosed
	}
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return fmt.Errorf("read envelope: %w", err)
}

func alreadyClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

func (l *Link) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Closed is closed once Close has been called.
func (l *Link) Closed() <-chan struct{} {
	return l.closed
}

// Close releases the underlying streams. It is idempotent.
func (l *Link) Close() error {
	if l == nil {
		return nil
	}
	l.closeOnce.Do(func() {
		close(l.closed)
		var errs []error
		for _, closer := range l.closers {
			if err := closer.Close(); err != nil && !alreadyClosed(err) {
				errs = append(errs, err)
			}
		}
		l.closeErr = errors.Join(errs...)
	})
	return l.closeErr
}
