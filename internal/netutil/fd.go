//
//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2023 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

// Package netutil extracts raw file descriptors out of net.Conn/net.Listener
// values, used where hostsock has to hand a descriptor obtained through a
// stdlib-shaped API (e.g. github.com/kavu/go_reuseport's net.Listener
// return value) off to internal/sqe's raw-syscall driver.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// GetFD returns the integer file descriptor underlying socket, without
// duplicating it.
func GetFD(socket interface{}) (int, error) {
	conn, ok := socket.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("type %T doesn't implement syscall.Conn interface", socket)
	}
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("get raw connection fail %w", err)
	}

	fd := -1
	op := func(sysfd uintptr) {
		fd = int(sysfd)
	}
	err = rawConn.Control(op)
	if fd == -1 {
		return -1, errors.New("invalid file descriptor")
	}
	return fd, err
}

// DupFD duplicates socket's descriptor and returns the new one, already
// detached from the os.File finalizer that would otherwise close it. The
// caller owns the returned fd's lifetime from here on (e.g. hostsock.go's
// listenReusePort, which needs a descriptor that outlives the net.Listener
// it came from).
func DupFD(socket interface{}) (int, error) {
	var f *os.File
	var err error
	switch conn := socket.(type) {
	case *net.TCPConn:
		f, err = conn.File()
	case *net.TCPListener:
		f, err = conn.File()
	default:
		return -1, errors.New("not implement File()")
	}
	if err != nil {
		return -1, err
	}
	defer f.Close()
	return unix.Dup(int(f.Fd()))
}
