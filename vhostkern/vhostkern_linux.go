//go:build linux
// +build linux

package vhostkern

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/renzhengeek/vhost"
	"golang.org/x/sys/unix"
)

// ioctl request numbers for the vhost control interface, from
// <linux/vhost.h>.
const (
	ioctlGetFeatures  = 0x8008af00
	ioctlSetFeatures  = 0x4008af00
	ioctlSetOwner     = 0x0000af01
	ioctlResetOwner   = 0x0000af02
	ioctlSetMemTable  = 0x4008af03
	ioctlSetLogBase   = 0x4008af04
	ioctlSetLogFD     = 0x4004af07
	ioctlSetVringNum  = 0x4008af10
	ioctlSetVringAddr = 0x4028af11
	ioctlSetVringBase = 0x4008af12
	ioctlGetVringBase = 0xc008af12
	ioctlSetVringKick = 0x4008af20
	ioctlSetVringCall = 0x4008af21
	ioctlSetVringErr  = 0x4008af22
)

// maxMemRegions is the kernel's VHOST_MEMORY_MAX_NREGIONS.
const maxMemRegions = 64

// Kernel argument structures, laid out to match <linux/vhost.h>.

type vringState struct {
	index uint32
	num   uint32
}

type vringAddr struct {
	index         uint32
	flags         uint32
	descUserAddr  uint64
	usedUserAddr  uint64
	availUserAddr uint64
	logGuestAddr  uint64
}

type vringFile struct {
	index uint32
	fd    int32
}

type memoryRegion struct {
	guestPhysAddr uint64
	memorySize    uint64
	userspaceAddr uint64
	flagsPadding  uint64
}

type memoryTable struct {
	nregions uint32
	padding  uint32
	regions  [maxMemRegions]memoryRegion
}

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

// A Backend drives one open vhost helper instance. It implements
// vhost.Backend with one ioctl per operation; the kernel is the source
// of truth for ownership and queue state, so only the checks the
// capability contract defines as local (table and ring validation) are
// performed here.
type Backend struct {
	f  *os.File
	fs fs

	table *vhost.MemoryTable
}

var _ vhost.Backend = &Backend{}

// Open opens the vhost helper device at path.
func Open(path string) (*Backend, error) {
	return open(path, sysFS{})
}

// New wraps an already-open vhost helper descriptor, such as one
// received from a management process. The Backend takes ownership of f.
func New(f *os.File) *Backend {
	return &Backend{f: f, fs: sysFS{}}
}

// open is the entry point for tests.
func open(path string, fs fs) (*Backend, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}

	return &Backend{f: f, fs: fs}, nil
}

// Close releases the helper device.
func (b *Backend) Close() error { return b.f.Close() }

// File returns the open device file, for callers that need to hand the
// descriptor elsewhere. The Backend retains ownership.
func (b *Backend) File() *os.File { return b.f }

func (b *Backend) ioctl(request uint, argp unsafe.Pointer) error {
	return b.fs.Ioctl(b.f.Fd(), request, argp)
}

// GetFeatures implements vhost.Backend.
func (b *Backend) GetFeatures() (uint64, error) {
	var features uint64
	if err := b.ioctl(ioctlGetFeatures, unsafe.Pointer(&features)); err != nil {
		return 0, err
	}

	return features, nil
}

// SetFeatures implements vhost.Backend.
func (b *Backend) SetFeatures(features uint64) error {
	return b.ioctl(ioctlSetFeatures, unsafe.Pointer(&features))
}

// SetOwner implements vhost.Backend. The kernel permits one owner per
// helper instance and reports EBUSY for a second claim.
func (b *Backend) SetOwner() error {
	return b.ioctl(ioctlSetOwner, nil)
}

// ResetOwner implements vhost.Backend.
func (b *Backend) ResetOwner() error {
	if err := b.ioctl(ioctlResetOwner, nil); err != nil {
		return err
	}

	b.table = nil
	return nil
}

// SetMemTable validates and installs the guest memory description. The
// kernel translates guest-physical ring addresses through this table.
// It implements vhost.Backend.
func (b *Backend) SetMemTable(table *vhost.MemoryTable) error {
	if err := table.Validate(); err != nil {
		return err
	}
	if len(table.Regions) > maxMemRegions {
		return fmt.Errorf("%w: %d regions exceeds limit of %d",
			vhost.ErrInvalidGuestMemory, len(table.Regions), maxMemRegions)
	}

	var mt memoryTable
	mt.nregions = uint32(len(table.Regions))
	for i := range table.Regions {
		r := &table.Regions[i]
		mt.regions[i] = memoryRegion{
			guestPhysAddr: r.GuestPhysAddr,
			memorySize:    r.Size,
			userspaceAddr: r.UserspaceAddr,
		}
	}

	if err := b.ioctl(ioctlSetMemTable, unsafe.Pointer(&mt)); err != nil {
		return err
	}

	b.table = table
	return nil
}

// SetLogBase implements vhost.Backend. The kernel log is addressed by
// base alone; when a region with a descriptor is supplied, the
// descriptor is installed with the log fd ioctl.
func (b *Backend) SetLogBase(base uint64, region *vhost.LogRegion) error {
	if err := b.ioctl(ioctlSetLogBase, unsafe.Pointer(&base)); err != nil {
		return err
	}

	if region == nil || region.File == nil {
		return nil
	}

	fd := int32(region.File.Fd())
	return b.ioctl(ioctlSetLogFD, unsafe.Pointer(&fd))
}

// SetVringNum implements vhost.Backend.
func (b *Backend) SetVringNum(index int, num uint16) error {
	if num == 0 || num&(num-1) != 0 || num > vhost.MaxQueueSize {
		return fmt.Errorf("%w: ring size %d", vhost.ErrInvalidQueue, num)
	}

	s := vringState{index: uint32(index), num: uint32(num)}
	return b.ioctl(ioctlSetVringNum, unsafe.Pointer(&s))
}

// SetVringAddr validates the ring addresses against the installed table
// and hands them to the kernel. It implements vhost.Backend.
func (b *Backend) SetVringAddr(index int, addrs *vhost.VringAddrs) error {
	if b.table == nil {
		return fmt.Errorf("%w: SetVringAddr before SetMemTable", vhost.ErrInvalidOperation)
	}
	if err := b.table.CheckVringAddrs(addrs); err != nil {
		return err
	}

	a := vringAddr{
		index:         uint32(index),
		flags:         addrs.Flags,
		descUserAddr:  addrs.DescAddr,
		usedUserAddr:  addrs.UsedAddr,
		availUserAddr: addrs.AvailAddr,
		logGuestAddr:  addrs.LogAddr,
	}
	return b.ioctl(ioctlSetVringAddr, unsafe.Pointer(&a))
}

// SetVringBase implements vhost.Backend.
func (b *Backend) SetVringBase(index int, base uint16) error {
	s := vringState{index: uint32(index), num: uint32(base)}
	return b.ioctl(ioctlSetVringBase, unsafe.Pointer(&s))
}

// GetVringBase implements vhost.Backend.
func (b *Backend) GetVringBase(index int) (uint16, error) {
	s := vringState{index: uint32(index)}
	if err := b.ioctl(ioctlGetVringBase, unsafe.Pointer(&s)); err != nil {
		return 0, err
	}

	return uint16(s.num), nil
}

// setVringFile wires one notification descriptor. A nil file installs
// fd -1, detaching the eventfd and switching the queue to polling mode.
func (b *Backend) setVringFile(request uint, index int, f *os.File) error {
	vf := vringFile{index: uint32(index), fd: -1}
	if f != nil {
		vf.fd = int32(f.Fd())
	}

	return b.ioctl(request, unsafe.Pointer(&vf))
}

// SetVringCall implements vhost.Backend.
func (b *Backend) SetVringCall(index int, call *os.File) error {
	return b.setVringFile(ioctlSetVringCall, index, call)
}

// SetVringKick implements vhost.Backend.
func (b *Backend) SetVringKick(index int, kick *os.File) error {
	return b.setVringFile(ioctlSetVringKick, index, kick)
}

// SetVringErr implements vhost.Backend.
func (b *Backend) SetVringErr(index int, errFile *os.File) error {
	return b.setVringFile(ioctlSetVringErr, index, errFile)
}
