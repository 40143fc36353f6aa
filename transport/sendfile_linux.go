// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package transport

import (
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// sendfile transfers the file region to the socket without copying through
// user space. Partial transfers and EAGAIN resume at the updated offset.
func sendfile(conn *net.TCPConn, src *os.File, offset, length int64) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	remaining := length
	var opErr error
	for remaining > 0 {
		err = rc.Write(func(fd uintptr) bool {
			for remaining > 0 {
				n, serr := unix.Sendfile(int(fd), int(src.Fd()), &offset, int(remaining))
				if n > 0 {
					remaining -= int64(n)
				}
				switch serr {
				case nil:
					if n == 0 {
						// EOF before length bytes: surface as a short write.
						opErr = io.ErrShortWrite
						return true
					}
				case unix.EAGAIN:
					// Wait for writability.
					return false
				case unix.EINTR:
					// retry
				default:
					opErr = serr
					return true
				}
			}
			return true
		})
		if err != nil {
			return err
		}
		if opErr != nil {
			return opErr
		}
	}
	return nil
}
