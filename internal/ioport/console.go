// Package ioport implements the sandboxed console I/O channel (§4.9): a
// synchronous, blocking kernvm.IoPort backed by the host terminal in raw
// mode. Adapted from cmd/internal/tty's Console, which puts the terminal
// into the same raw/non-canonical mode to feed a memory-mapped keyboard
// device; this package serves READ_IO/WRITE_IO directly instead, since the
// VM's I/O model (unlike elsie's interrupt-driven devices) is ordinary
// synchronous, blocking calls.
package ioport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/kern-lang/kernc/internal/kernast"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ChannelConsole is the one IO channel this package serves.
const ChannelConsole = "console"

var (
	// ErrNoTTY is returned if the input stream is not a terminal.
	ErrNoTTY = errors.New("ioport: not a TTY")

	// ErrUnknownChannel is returned for any channel name other than
	// ChannelConsole.
	ErrUnknownChannel = errors.New("ioport: unknown channel")
)

// Console adapts a host terminal, in raw mode, into a kernvm.IoPort: Read
// blocks for a single byte from the input stream, Write emits a single byte
// to the output stream. A module's sandbox policy (§4.9) still gates which
// channel names reach here at all; Console itself only recognizes
// ChannelConsole.
type Console struct {
	in    *bufio.Reader
	out   io.Writer
	fd    int
	state *term.State
}

// NewConsole opens in/out as the VM's console channel. in must be a
// terminal; NewConsole puts it into raw, non-canonical mode (VMIN=1,
// VTIME=0: each Read blocks for exactly one byte) the same way
// cmd/internal/tty.NewConsole configures its keyboard device. Callers must
// call Restore to return the terminal to its original state.
func NewConsole(in, out *os.File) (*Console, error) {
	fd := int(in.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTTY, err)
	}

	c := &Console{
		in:    bufio.NewReader(in),
		out:   out,
		fd:    fd,
		state: state,
	}

	if err := c.setTerminalParams(1, 0); err != nil {
		_ = term.Restore(fd, state)
		return nil, err
	}

	return c, nil
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, false)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	return unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO)
}

// Restore returns the terminal to its pre-raw-mode state.
func (c *Console) Restore() error {
	return term.Restore(c.fd, c.state)
}

// Read implements kernvm.IoPort. channel must be ChannelConsole; it blocks
// for exactly one byte and returns it as a Num in [0, 255].
func (c *Console) Read(channel string) (kernast.Value, error) {
	if channel != ChannelConsole {
		return kernast.Value{}, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}

	b, err := c.in.ReadByte()
	if err != nil {
		return kernast.Value{}, err
	}

	return kernast.Num(int64(b)), nil
}

// Write implements kernvm.IoPort. channel must be ChannelConsole and v must
// be a Num in [0, 255]; the low byte is written to the output stream.
func (c *Console) Write(channel string, v kernast.Value) error {
	if channel != ChannelConsole {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}

	if v.Kind != kernast.KindNum {
		return fmt.Errorf("ioport: console write: %s is not a byte value", v.Kind)
	}

	_, err := c.out.Write([]byte{byte(v.Num)})

	return err
}
