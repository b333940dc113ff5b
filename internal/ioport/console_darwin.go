//go:build darwin
// +build darwin

package ioport

import "golang.org/x/sys/unix"

const (
	getTermiosIoctl = unix.TIOCGETA
	setTermiosIoctl = unix.TIOCSETA
)
