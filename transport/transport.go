// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport delivers chunk bytes to sockets. Plain TCP connections
// get a zero-copy file-to-socket transfer; TLS connections read the file
// region into memory and write it through the TLS record layer.
package transport

import (
	"fmt"
	"io"
	"net"
	"os"
)

// Kind selects the delivery mechanism.
type Kind int

const (
	// TCP writes headers to the socket and transfers file regions with
	// sendfile where the platform supports it.
	TCP Kind = iota
	// SSL writes everything through the connection, since TLS framing
	// rules out kernel-side transfers.
	SSL
)

func (k Kind) String() string {
	switch k {
	case TCP:
		return "tcp"
	case SSL:
		return "ssl"
	default:
		return "unknown"
	}
}

// Transport sends chunk headers and bodies over one kind of connection.
type Transport struct {
	kind Kind
}

// New creates a transport of the given kind.
func New(kind Kind) Transport {
	return Transport{kind: kind}
}

// Kind returns the transport kind.
func (t Transport) Kind() Kind {
	return t.kind
}

// Send writes b fully to the connection.
func (t Transport) Send(conn io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// SendFile transfers length bytes of src starting at offset to the
// connection. TCP connections use the platform zero-copy path, resuming on
// partial transfers; everything else falls back to a buffered copy.
func (t Transport) SendFile(conn io.Writer, src *os.File, offset, length int64) error {
	if length == 0 {
		return nil
	}
	if t.kind == TCP {
		if tc, ok := tcpConn(conn); ok {
			return sendfile(tc, src, offset, length)
		}
	}
	return copyFileRegion(conn, src, offset, length)
}

// tcpConn unwraps the writer down to a *net.TCPConn if there is one.
func tcpConn(w io.Writer) (*net.TCPConn, bool) {
	tc, ok := w.(*net.TCPConn)
	return tc, ok
}

// copyFileRegion reads the file region into memory and writes it out.
func copyFileRegion(conn io.Writer, src *os.File, offset, length int64) error {
	buf := make([]byte, length)
	if _, err := src.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("failed to read chunk region: %w", err)
	}
	_, err := conn.Write(buf)
	return err
}
