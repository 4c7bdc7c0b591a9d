// Package protocol implements the wire codec: encoding commands and decoding
// the five reply shapes (status, error, integer, bulk, multi-bulk).
//
// Two request framings are supported. The multi-bulk framing is what current
// servers speak; the inline line protocol writes `NAME arg1 arg2\r\n` and, for
// commands carrying a binary payload, `NAME arg1 N\r\n<N bytes>\r\n`.
//
// Basic usage:
//
//	w := protocol.NewWriter(conn)
//	w.WriteCommand("GET", "key")
//	w.Flush()
//
//	r := protocol.NewReader(conn)
//	reply, err := r.ReadReply()
//	if err != nil {
//		// *ProtocolError means the stream is out of sync
//	}
//	if err := reply.Err(); err != nil {
//		// *RemoteError, the server answered with an error line
//	}
//
// The Reader also parses requests (ReadRequest), which is what the sandbox
// server in package server uses.
package protocol
