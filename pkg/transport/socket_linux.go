// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// socketInfo reads the descriptor and the kernel socket cookie. The cookie is
// unique for the lifetime of the network namespace, so a reused fd never
// aliases an older connection.
func socketInfo(sc syscall.Conn) (int32, uint64, error) {
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, 0, err
	}

	var (
		fd     int32
		cookie uint64
	)
	err = raw.Control(func(s uintptr) {
		fd = int32(s)
		// SO_COOKIE needs Linux 4.12+; fall back to the address digest.
		if c, cerr := unix.GetsockoptUint64(int(s), unix.SOL_SOCKET, unix.SO_COOKIE); cerr == nil {
			cookie = c
		}
	})
	if err != nil {
		return 0, 0, err
	}
	return fd, cookie, nil
}
