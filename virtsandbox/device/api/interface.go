// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package api

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/sandboxvm/runtime/virtsandbox/device/config"
)

var devLogger = logrus.WithField("subsystem", "device")

// SetLogger sets the logger for device api package.
func SetLogger(logger *logrus.Entry) {
	fields := devLogger.Data
	devLogger = logger.WithFields(fields)
}

// DeviceLogger returns logger for device management
func DeviceLogger() *logrus.Entry {
	return devLogger
}

// DeviceReceiver is an interface used for accepting devices
// a device should be attached/added/plugged to a DeviceReceiver
type DeviceReceiver interface {
	// these are for hotplug/hot-unplug devices to/from hypervisor
	HotplugAddDevice(context.Context, Device, config.DeviceType) error
	HotplugRemoveDevice(context.Context, Device, config.DeviceType) error

	// this is only for virtio-blk and virtio-scsi support
	GetAndSetSandboxBlockIndex() (int, error)
	UnsetSandboxBlockIndex(int) error
	GetHypervisorType() string
}

// Device is the sandbox device interface.
type Device interface {
	Attach(context.Context, DeviceReceiver) error
	Detach(context.Context, DeviceReceiver) error

	// ID returns device identifier
	DeviceID() string

	// DeviceType indicates which kind of device it is
	// e.g. block, vfio or vsock
	DeviceType() config.DeviceType

	// GetMajorMinor returns major and minor numbers
	GetMajorMinor() (int64, int64)

	// GetHostPath return the device path in the host
	GetHostPath() string

	// GetDeviceInfo returns device specific data used for hotplugging by hypervisor
	// Caller could cast the return value to device specific struct
	// e.g. Block device returns *config.BlockDrive,
	// vfio device returns []*config.VFIODev and
	// vsock device returns *config.VSockDev
	GetDeviceInfo() interface{}

	// GetAttachCount returns how many times the device has been attached
	GetAttachCount() uint

	// Reference adds one reference to device then returns final ref count
	Reference() uint

	// Dereference removes one reference to device then returns final ref count
	Dereference() uint

	// Save converts Device to DeviceState
	Save() config.DeviceState

	// Load loads DeviceState and converts it to specific device
	Load(config.DeviceState)
}

// DeviceManager can be used to create a new device, this can be used as single
// device management object.
type DeviceManager interface {
	NewDevice(config.DeviceInfo) (Device, error)
	RemoveDevice(string) error
	AttachDevice(context.Context, string, DeviceReceiver) error
	DetachDevice(context.Context, string, DeviceReceiver) error
	IsDeviceAttached(string) bool
	FindDevice(*config.DeviceInfo) Device
	GetDeviceByID(string) Device
	GetAllDevices() []Device
	LoadDevices([]config.DeviceState)
}
