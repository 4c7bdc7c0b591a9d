// Package conn manages a single connection to a store instance.
//
// An Endpoint describes where and how to connect. Endpoints are values: they
// are parsed once from configuration or built from discovery results and
// never mutated.
//
//	ep, err := conn.ParseEndpoint("secret@10.0.0.5:6379?db=2")
//	c, err := conn.Dial(ctx, ep)
//	defer c.Close()
//	reply, err := c.Do(ctx, "INCR", "hits")
//
// Dial performs the handshake (AUTH, SELECT, CLIENT SETNAME) and fails
// closed. After that a Conn carries one command at a time. Errors are typed:
//   - *RemoteError for error replies; the connection stays usable
//   - *ProtocolError for framing violations; the connection is faulted
//   - *ConnectionError for I/O failures, wrapping ErrTimeout on deadlines
//
// Requests use multi-bulk framing unless WithFraming(FramingInline) selects
// the line protocol, where commands with a binary payload go through DoData
// or SendDataCommand.
package conn
