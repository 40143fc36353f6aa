// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package transport

import (
	"net"
	"os"
)

// sendfile falls back to a buffered copy where no zero-copy syscall is
// wired up.
func sendfile(conn *net.TCPConn, src *os.File, offset, length int64) error {
	return copyFileRegion(conn, src, offset, length)
}
