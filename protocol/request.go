package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// dataCommands lists the commands that carry a trailing binary payload in
// the inline line protocol, keyed by the number of plain arguments that
// precede the payload length.
var dataCommands = map[string]int{
	"SET":     1,
	"GETSET":  1,
	"SETNX":   1,
	"APPEND":  1,
	"ECHO":    0,
	"PUBLISH": 1,
	"LPUSH":   1,
	"RPUSH":   1,
	"SADD":    1,
}

// IsDataCommand reports whether name takes a trailing payload in the inline
// line protocol
func IsDataCommand(name string) bool {
	_, ok := dataCommands[strings.ToUpper(name)]
	return ok
}

// ReadRequest reads one client request. Multi-bulk requests and inline
// lines are both accepted. Inline data commands (`SET key N\r\n<N bytes>\r\n`)
// have their payload read and appended as the last argument. Blank lines
// are skipped.
func (r *Reader) ReadRequest() (*Command, error) {
	for {
		first, err := r.br.Peek(1)
		if err != nil {
			return nil, err
		}

		if Kind(first[0]) == KindMultiBulk {
			return r.readMultiBulkRequest()
		}

		line, err := r.readInlineLine()
		if err != nil {
			return nil, err
		}
		fields := bytes.Fields(line)
		if len(fields) == 0 {
			continue
		}
		return r.inlineCommand(fields)
	}
}

func (r *Reader) readMultiBulkRequest() (*Command, error) {
	reply, err := r.ReadReply()
	if err != nil {
		return nil, err
	}
	if reply.Null || len(reply.Elems) == 0 {
		return nil, protocolErrorf(nil, "empty multi-bulk request")
	}

	cmd := &Command{Args: make([][]byte, 0, len(reply.Elems)-1)}
	for i, e := range reply.Elems {
		if e.Kind != KindBulk || e.Null {
			return nil, protocolErrorf(nil, "request element %d is %v, expected bulk", i, e.Kind)
		}
		if i == 0 {
			cmd.Name = strings.ToUpper(string(e.Bulk))
			continue
		}
		cmd.Args = append(cmd.Args, e.Bulk)
	}
	return cmd, nil
}

func (r *Reader) inlineCommand(fields [][]byte) (*Command, error) {
	cmd := &Command{
		Name: strings.ToUpper(string(fields[0])),
		Args: fields[1:],
	}

	prefix, ok := dataCommands[cmd.Name]
	if !ok || len(cmd.Args) != prefix+1 {
		return cmd, nil
	}

	size, err := parseInt64(cmd.Args[prefix])
	if err != nil || size < 0 || size > MaxBulkSize {
		return nil, protocolErrorf(cmd.Args[prefix], "invalid payload length for %s", cmd.Name)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		return nil, truncated(err, "inline payload")
	}
	if err := r.expectCRLF(); err != nil {
		return nil, err
	}
	cmd.Args[prefix] = payload
	return cmd, nil
}

// readInlineLine reads a request line. Unlike reply lines a bare LF is
// tolerated, as telnet style clients send it.
func (r *Reader) readInlineLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			buf = bytes.TrimSuffix(buf, []byte("\n"))
			return bytes.TrimSuffix(buf, []byte("\r")), nil
		case errors.Is(err, bufio.ErrBufferFull):
			if len(buf) > maxLineSize {
				return nil, protocolErrorf(nil, "inline request exceeds %d bytes", maxLineSize)
			}
		case errors.Is(err, io.EOF) && len(buf) == 0:
			return nil, io.EOF
		default:
			return nil, truncated(err, "inline request")
		}
	}
}
