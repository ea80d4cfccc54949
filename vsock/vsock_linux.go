//go:build linux
// +build linux

package vsock

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/renzhengeek/vhost/vhostkern"
	"golang.org/x/sys/unix"
)

// devVhostVsock is the kernel's vsock helper device node.
const devVhostVsock = "/dev/vhost-vsock"

// ioctl request numbers for the vsock helper, from <linux/vhost.h>.
const (
	ioctlSetGuestCID = 0x4008af60
	ioctlSetRunning  = 0x4004af61
)

// Reserved context IDs which cannot be assigned to a guest.
const (
	cidHypervisor = 0
	cidReserved   = 1
	cidHost       = 2
)

// A fs is an interface over the filesystem and ioctl, to enable testing.
type fs interface {
	Open(name string) (*os.File, error)
	Ioctl(fd uintptr, request uint, argp unsafe.Pointer) error
}

// A sysFS is the system call implementation of fs.
type sysFS struct{}

func (sysFS) Open(name string) (*os.File, error) { return os.OpenFile(name, os.O_RDWR, 0) }

func (sysFS) Ioctl(fd uintptr, request uint, argp unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), uintptr(argp))
	if errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}

	return nil
}

// A Device drives one guest's vsock helper instance. It embeds the
// generic control operations and adds context ID assignment and data
// path start and stop.
type Device struct {
	*vhostkern.Backend
	fs fs
}

// Open opens the vsock helper device.
func Open() (*Device, error) {
	return open(devVhostVsock, sysFS{})
}

// open is the entry point for tests.
func open(path string, fs fs) (*Device, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}

	return &Device{
		Backend: vhostkern.New(f),
		fs:      fs,
	}, nil
}

func (d *Device) ioctl(request uint, argp unsafe.Pointer) error {
	return d.fs.Ioctl(d.File().Fd(), request, argp)
}

// SetGuestCID assigns the guest's context ID. CIDs 0 through 2 are
// reserved for the hypervisor and the host; the kernel reports EADDRINUSE
// when the CID is already claimed by another guest.
func (d *Device) SetGuestCID(cid uint64) error {
	if cid <= cidHost {
		return fmt.Errorf("vsock: context ID %d is reserved", cid)
	}

	return d.ioctl(ioctlSetGuestCID, unsafe.Pointer(&cid))
}

// Start enables the data path. The context ID, guest memory table and
// queues must be configured first.
func (d *Device) Start() error { return d.setRunning(1) }

// Stop disables the data path. Queue and memory configuration is
// preserved, so Start may be called again.
func (d *Device) Stop() error { return d.setRunning(0) }

func (d *Device) setRunning(running int32) error {
	return d.ioctl(ioctlSetRunning, unsafe.Pointer(&running))
}
