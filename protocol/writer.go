package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Writer encodes requests and replies onto a buffered stream. Nothing reaches
// the underlying writer until Flush.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter creates a new writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		bw: bufio.NewWriter(w),
	}
}

// WriteInline writes a command line `NAME arg1 arg2\r\n`. Arguments are
// space separated and must not themselves contain spaces or line breaks;
// nothing is written when one does.
func (w *Writer) WriteInline(name string, args ...string) error {
	if err := ValidateInline(name, args...); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(name); err != nil {
		return err
	}
	for _, arg := range args {
		if err := w.bw.WriteByte(' '); err != nil {
			return err
		}
		if _, err := w.bw.WriteString(arg); err != nil {
			return err
		}
	}
	return w.writeCRLF()
}

// ValidateInline reports whether a command can be expressed as an inline line
func ValidateInline(name string, args ...string) error {
	if err := checkInlineToken(name); err != nil {
		return err
	}
	for _, arg := range args {
		if err := checkInlineToken(arg); err != nil {
			return err
		}
	}
	return nil
}

// WriteInlineData writes a data command `NAME arg1 ... N\r\n<N bytes>\r\n`.
// The payload is written verbatim and may contain any byte, including CRLF.
func (w *Writer) WriteInlineData(name string, payload []byte, args ...string) error {
	line := make([]string, 0, len(args)+1)
	line = append(line, args...)
	line = append(line, strconv.Itoa(len(payload)))
	if err := w.WriteInline(name, line...); err != nil {
		return err
	}
	if _, err := w.bw.Write(payload); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteCommand writes a command as a multi-bulk request
func (w *Writer) WriteCommand(name string, args ...string) error {
	if err := w.writeHeader(KindMultiBulk, 1+len(args)); err != nil {
		return err
	}
	if err := w.WriteBulkString(name); err != nil {
		return err
	}
	for _, arg := range args {
		if err := w.WriteBulkString(arg); err != nil {
			return err
		}
	}
	return nil
}

// WriteDataCommand writes a multi-bulk request whose last argument is a
// binary payload
func (w *Writer) WriteDataCommand(name string, payload []byte, args ...string) error {
	if err := w.writeHeader(KindMultiBulk, 2+len(args)); err != nil {
		return err
	}
	if err := w.WriteBulkString(name); err != nil {
		return err
	}
	for _, arg := range args {
		if err := w.WriteBulkString(arg); err != nil {
			return err
		}
	}
	return w.WriteBulk(payload)
}

// WriteReply encodes any reply
func (w *Writer) WriteReply(r Reply) error {
	switch r.Kind {
	case KindStatus:
		return w.WriteStatus(r.Str)
	case KindError:
		return w.WriteError(r.Str)
	case KindInteger:
		return w.WriteInteger(r.Int)
	case KindBulk:
		if r.Null {
			return w.WriteNullBulk()
		}
		return w.WriteBulk(r.Bulk)
	case KindMultiBulk:
		if r.Null {
			return w.WriteNullMultiBulk()
		}
		if err := w.writeHeader(KindMultiBulk, len(r.Elems)); err != nil {
			return err
		}
		for _, e := range r.Elems {
			if err := w.WriteReply(e); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported reply kind: %v", r.Kind)
	}
}

// WriteStatus writes a status line
func (w *Writer) WriteStatus(s string) error {
	return w.writeLine(KindStatus, s)
}

// WriteError writes an error line
func (w *Writer) WriteError(msg string) error {
	return w.writeLine(KindError, msg)
}

// WriteInteger writes an integer
func (w *Writer) WriteInteger(n int64) error {
	return w.writeLine(KindInteger, strconv.FormatInt(n, 10))
}

// WriteBulk writes a bulk payload
func (w *Writer) WriteBulk(data []byte) error {
	if err := w.writeHeader(KindBulk, len(data)); err != nil {
		return err
	}
	if _, err := w.bw.Write(data); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteBulkString writes a bulk payload from a string
func (w *Writer) WriteBulkString(s string) error {
	if err := w.writeHeader(KindBulk, len(s)); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(s); err != nil {
		return err
	}
	return w.writeCRLF()
}

// WriteNullBulk writes `$-1`
func (w *Writer) WriteNullBulk() error {
	return w.writeHeader(KindBulk, -1)
}

// WriteNullMultiBulk writes `*-1`
func (w *Writer) WriteNullMultiBulk() error {
	return w.writeHeader(KindMultiBulk, -1)
}

// WriteStrings writes a multi-bulk reply of bulk strings
func (w *Writer) WriteStrings(values []string) error {
	if err := w.writeHeader(KindMultiBulk, len(values)); err != nil {
		return err
	}
	for _, v := range values {
		if err := w.WriteBulkString(v); err != nil {
			return err
		}
	}
	return nil
}

// WriteOK writes +OK
func (w *Writer) WriteOK() error {
	return w.WriteStatus("OK")
}

// Flush flushes any buffered data to the underlying writer
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// Buffered returns the number of bytes waiting for Flush
func (w *Writer) Buffered() int {
	return w.bw.Buffered()
}

// Reset discards unflushed data and writes to a new underlying writer
func (w *Writer) Reset(writer io.Writer) {
	w.bw.Reset(writer)
}

func (w *Writer) writeHeader(kind Kind, n int) error {
	if err := w.bw.WriteByte(byte(kind)); err != nil {
		return err
	}
	var scratch [20]byte
	if _, err := w.bw.Write(strconv.AppendInt(scratch[:0], int64(n), 10)); err != nil {
		return err
	}
	return w.writeCRLF()
}

func (w *Writer) writeLine(kind Kind, s string) error {
	if strings.ContainsAny(s, "\r\n") {
		return fmt.Errorf("%v line must not contain CR or LF", kind)
	}
	if err := w.bw.WriteByte(byte(kind)); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(s); err != nil {
		return err
	}
	return w.writeCRLF()
}

func (w *Writer) writeCRLF() error {
	_, err := w.bw.WriteString(CRLF)
	return err
}

func checkInlineToken(s string) error {
	if s == "" {
		return fmt.Errorf("inline argument must not be empty")
	}
	if strings.ContainsAny(s, " \r\n") {
		return fmt.Errorf("inline argument %q must not contain spaces or line breaks", s)
	}
	return nil
}
