//go:build !linux
// +build !linux

package vhostkern

import (
	"fmt"
	"os"
	"runtime"

	"github.com/renzhengeek/vhost"
)

// errUnimplemented is returned by all functions on platforms without the
// vhost kernel interface.
var errUnimplemented = fmt.Errorf("vhostkern: not implemented on %s/%s",
	runtime.GOOS, runtime.GOARCH)

type Backend struct{}

var _ vhost.Backend = &Backend{}

func Open(_ string) (*Backend, error) { return nil, errUnimplemented }
func New(_ *os.File) *Backend         { return &Backend{} }

func (*Backend) Close() error   { return errUnimplemented }
func (*Backend) File() *os.File { return nil }

func (*Backend) GetFeatures() (uint64, error)                  { return 0, errUnimplemented }
func (*Backend) SetFeatures(_ uint64) error                    { return errUnimplemented }
func (*Backend) SetOwner() error                               { return errUnimplemented }
func (*Backend) ResetOwner() error                             { return errUnimplemented }
func (*Backend) SetMemTable(_ *vhost.MemoryTable) error        { return errUnimplemented }
func (*Backend) SetLogBase(_ uint64, _ *vhost.LogRegion) error { return errUnimplemented }
func (*Backend) SetVringNum(_ int, _ uint16) error             { return errUnimplemented }
func (*Backend) SetVringAddr(_ int, _ *vhost.VringAddrs) error { return errUnimplemented }
func (*Backend) SetVringBase(_ int, _ uint16) error            { return errUnimplemented }
func (*Backend) GetVringBase(_ int) (uint16, error)            { return 0, errUnimplemented }
func (*Backend) SetVringCall(_ int, _ *os.File) error          { return errUnimplemented }
func (*Backend) SetVringKick(_ int, _ *os.File) error          { return errUnimplemented }
func (*Backend) SetVringErr(_ int, _ *os.File) error           { return errUnimplemented }
