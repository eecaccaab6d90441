// Package transport carries SCPI text between the host and an instrument.
//
// Two backends implement Channel: LAN (raw TCP socket, usually port 5025)
// and USB (a USB serial/CDC port). Both are strictly request/response: a
// channel never has more than one command outstanding.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
	"unicode/utf8"
)

// Kind names a backend.
type Kind string

const (
	KindLAN Kind = "lan"
	KindUSB Kind = "usb"
)

const (
	DefaultLANTimeout  = 5 * time.Second
	DefaultUSBTimeout  = 5000 * time.Millisecond
	DefaultLANPort     = 5025
	DefaultMaxResponse = 1 << 20
)

var (
	// ErrConnection is returned by connect operations: not found, refused,
	// timed out, or no answer to the identify query.
	ErrConnection = errors.New("transport: connection failed")
	// ErrNotFound means no USB instrument resource was found.
	ErrNotFound = errors.New("transport: no usb instrument found")
	// ErrTransport is a mid-session write or read failure.
	ErrTransport = errors.New("transport: i/o failure")
	// ErrTimeout is a query deadline overrun. Errors carrying it also
	// match ErrTransport.
	ErrTimeout = errors.New("transport: timeout")
	// ErrNotQuery is returned when Query is given a command without '?'.
	ErrNotQuery = errors.New("transport: command is not a query")
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("transport: channel closed")
)

// Channel is an open connection to one instrument.
type Channel interface {
	// Write sends a command that produces no response.
	Write(cmd string) error
	// Query sends a command and returns its response line without the
	// trailing terminator.
	Query(cmd string) (string, error)
	// Close releases the connection. Calling it more than once is safe.
	Close() error
	Kind() Kind
	Timeout() time.Duration
}

// IsFatal reports whether err means the channel can no longer be trusted
// and the caller has to reconnect.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrClosed)
}

func timeoutError(op, cmd string, after time.Duration) error {
	return fmt.Errorf("%w: %w: %s %q after %s", ErrTransport, ErrTimeout, op, cmd, after)
}

func ioError(op, cmd string, err error) error {
	return fmt.Errorf("%w: %s %q: %v", ErrTransport, op, cmd, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// readResponse reads one newline-terminated response of at most max bytes.
func readResponse(r *bufio.Reader, max int) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > max {
			return "", fmt.Errorf("response exceeds %d bytes", max)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return "", fmt.Errorf("truncated response after %d bytes: %w", len(line), io.ErrUnexpectedEOF)
		}
		return "", err
	}
	return finishResponse(line)
}

// finishResponse strips the terminator and rejects payloads that are not
// text.
func finishResponse(line []byte) (string, error) {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	if !utf8.Valid(line) {
		return "", errors.New("response is not valid text")
	}
	return string(line), nil
}
