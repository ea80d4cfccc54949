//go:build !linux
// +build !linux

package vsock

import (
	"fmt"
	"runtime"

	"github.com/renzhengeek/vhost/vhostkern"
)

// errUnimplemented is returned by all functions on platforms without the
// vhost vsock device.
var errUnimplemented = fmt.Errorf("vsock: not implemented on %s/%s",
	runtime.GOOS, runtime.GOARCH)

type Device struct {
	*vhostkern.Backend
}

func Open() (*Device, error) { return nil, errUnimplemented }

func (*Device) SetGuestCID(_ uint64) error { return errUnimplemented }
func (*Device) Start() error               { return errUnimplemented }
func (*Device) Stop() error                { return errUnimplemented }
