package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"math"
	"strconv"
)

const (
	// CRLF is the protocol line terminator
	CRLF = "\r\n"

	// MaxBulkSize is the largest bulk payload accepted (512MB)
	MaxBulkSize = 512 * 1024 * 1024

	// MaxMultiBulkSize is the largest element count accepted for a multi-bulk reply
	MaxMultiBulkSize = 1024 * 1024

	// maxLineSize bounds status/error/inline lines so a peer that never sends
	// LF cannot make the reader buffer without limit
	maxLineSize = 64 * 1024
)

var (
	crlfBytes = []byte(CRLF)
)

// Reader decodes replies (client side) and requests (server side) from a
// buffered stream
type Reader struct {
	br *bufio.Reader
}

// NewReader creates a new reader
func NewReader(r io.Reader) *Reader {
	return &Reader{
		br: bufio.NewReader(r),
	}
}

// Reset discards buffered data and reads from r
func (r *Reader) Reset(rd io.Reader) {
	r.br.Reset(rd)
}

// Buffered returns the number of bytes that can be read without touching the stream
func (r *Reader) Buffered() int {
	return r.br.Buffered()
}

// ReadReply reads exactly one reply from the stream
func (r *Reader) ReadReply() (Reply, error) {
	kind, err := r.br.ReadByte()
	if err != nil {
		return Reply{}, err
	}

	switch Kind(kind) {
	case KindStatus:
		line, err := r.readLine()
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: KindStatus, Str: string(line)}, nil

	case KindError:
		line, err := r.readLine()
		if err != nil {
			return Reply{}, err
		}
		return Reply{Kind: KindError, Str: string(line)}, nil

	case KindInteger:
		line, err := r.readLine()
		if err != nil {
			return Reply{}, err
		}
		n, err := parseInt64(line)
		if err != nil {
			return Reply{}, protocolErrorf(line, "invalid integer %q", line)
		}
		return Reply{Kind: KindInteger, Int: n}, nil

	case KindBulk:
		return r.readBulk()

	case KindMultiBulk:
		return r.readMultiBulk()

	default:
		if kind == 0 {
			return Reply{}, protocolErrorf([]byte{kind}, "unexpected empty byte (connection may be closed)")
		}
		return Reply{}, protocolErrorf([]byte{kind}, "unknown reply discriminator %q (0x%02x)", kind, kind)
	}
}

func (r *Reader) readBulk() (Reply, error) {
	line, err := r.readLine()
	if err != nil {
		return Reply{}, err
	}

	length, err := parseInt64(line)
	if err != nil {
		return Reply{}, protocolErrorf(line, "invalid bulk length %q", line)
	}

	if length == -1 {
		return NullBulk(), nil
	}

	if length < 0 || length > MaxBulkSize {
		return Reply{}, protocolErrorf(line, "invalid bulk length %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r.br, data); err != nil {
		return Reply{}, truncated(err, "bulk payload")
	}

	if err := r.expectCRLF(); err != nil {
		return Reply{}, err
	}

	return Reply{Kind: KindBulk, Bulk: data}, nil
}

func (r *Reader) readMultiBulk() (Reply, error) {
	line, err := r.readLine()
	if err != nil {
		return Reply{}, err
	}

	length, err := parseInt64(line)
	if err != nil {
		return Reply{}, protocolErrorf(line, "invalid multi-bulk length %q", line)
	}

	if length == -1 {
		return NullMultiBulk(), nil
	}

	if length < 0 || length > MaxMultiBulkSize {
		return Reply{}, protocolErrorf(line, "invalid multi-bulk length %d", length)
	}

	elems := make([]Reply, length)
	for i := range elems {
		elem, err := r.ReadReply()
		if err != nil {
			return Reply{}, truncated(err, "multi-bulk element")
		}
		elems[i] = elem
	}

	return Reply{Kind: KindMultiBulk, Elems: elems}, nil
}

// Skip discards the next reply without materializing payloads
func (r *Reader) Skip() error {
	kind, err := r.br.ReadByte()
	if err != nil {
		return err
	}

	switch Kind(kind) {
	case KindStatus, KindError, KindInteger:
		_, err := r.readLine()
		return err

	case KindBulk:
		line, err := r.readLine()
		if err != nil {
			return err
		}
		length, err := parseInt64(line)
		if err != nil || length < -1 || length > MaxBulkSize {
			return protocolErrorf(line, "invalid bulk length %q", line)
		}
		if length == -1 {
			return nil
		}
		if _, err := r.br.Discard(int(length)); err != nil {
			return truncated(err, "bulk payload")
		}
		return r.expectCRLF()

	case KindMultiBulk:
		line, err := r.readLine()
		if err != nil {
			return err
		}
		length, err := parseInt64(line)
		if err != nil || length < -1 || length > MaxMultiBulkSize {
			return protocolErrorf(line, "invalid multi-bulk length %q", line)
		}
		for i := int64(0); i < length; i++ {
			if err := r.Skip(); err != nil {
				return truncated(err, "multi-bulk element")
			}
		}
		return nil

	default:
		return protocolErrorf([]byte{kind}, "unknown reply discriminator %q", kind)
	}
}

// parseInt64 parses an int64 from a byte slice without allocation
func parseInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}

	var neg bool
	var i int

	switch b[0] {
	case '-':
		neg = true
		i = 1
	case '+':
		i = 1
	}

	if i >= len(b) {
		return 0, strconv.ErrSyntax
	}

	// the negative range reaches one further than the positive one
	limit := uint64(math.MaxInt64)
	if neg {
		limit++
	}

	var n uint64
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, strconv.ErrSyntax
		}
		d := uint64(b[i] - '0')
		if n > (limit-d)/10 {
			return 0, strconv.ErrRange
		}
		n = n*10 + d
	}

	if neg {
		return int64(-n), nil
	}
	return int64(n), nil
}

// readLine reads a line terminated by CRLF. A bare LF is a framing error.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		buf := append([]byte(nil), line...)
		for errors.Is(err, bufio.ErrBufferFull) {
			if len(buf) > maxLineSize {
				return nil, protocolErrorf(nil, "line exceeds %d bytes", maxLineSize)
			}
			line, err = r.br.ReadSlice('\n')
			buf = append(buf, line...)
		}
		line = buf
	}
	if err != nil {
		return nil, truncated(err, "line")
	}

	if !bytes.HasSuffix(line, crlfBytes) {
		return nil, protocolErrorf(line, "missing CRLF terminator")
	}

	// ReadSlice memory is only valid until the next read
	out := make([]byte, len(line)-2)
	copy(out, line)
	return out, nil
}

// expectCRLF reads and validates the terminator after a bulk payload
func (r *Reader) expectCRLF() error {
	var crlf [2]byte
	if _, err := io.ReadFull(r.br, crlf[:]); err != nil {
		return truncated(err, "bulk terminator")
	}

	if crlf[0] != '\r' || crlf[1] != '\n' {
		return protocolErrorf(crlf[:], "expected CRLF after bulk payload, got [%d, %d]", crlf[0], crlf[1])
	}

	return nil
}

// truncated keeps a clean io.EOF at a reply boundary distinguishable from a
// stream cut in the middle of a reply
func truncated(err error, what string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &ProtocolError{Message: "truncated " + what, Err: io.ErrUnexpectedEOF}
	}
	return err
}
