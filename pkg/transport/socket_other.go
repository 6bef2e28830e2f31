// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package transport

import "syscall"

func socketInfo(sc syscall.Conn) (int32, uint64, error) {
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, 0, err
	}

	var fd int32
	err = raw.Control(func(s uintptr) {
		fd = int32(s)
	})
	if err != nil {
		return 0, 0, err
	}
	return fd, 0, nil
}
