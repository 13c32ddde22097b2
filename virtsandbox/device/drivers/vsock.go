// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package drivers

import (
	"context"

	"github.com/sandboxvm/runtime/virtsandbox/device/api"
	"github.com/sandboxvm/runtime/virtsandbox/device/config"
	"github.com/sandboxvm/runtime/virtsandbox/utils"
)

// VSockDevice is a virtio-vsock device used for host to guest agent
// communication.
type VSockDevice struct {
	*GenericDevice
	VSockDev *config.VSockDev
}

// NewVSockDevice creates a new vsock device based on DeviceInfo
func NewVSockDevice(devInfo *config.DeviceInfo) *VSockDevice {
	return &VSockDevice{
		GenericDevice: &GenericDevice{
			ID:         devInfo.ID,
			DeviceInfo: devInfo,
		},
	}
}

// Attach reserves a guest context ID on the host vhost-vsock device and
// hotplugs the vsock device into the receiver.
func (device *VSockDevice) Attach(ctx context.Context, devReceiver api.DeviceReceiver) (retErr error) {
	skip, err := device.bumpAttachCount(true)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	defer func() {
		if retErr != nil {
			device.bumpAttachCount(false)
		}
	}()

	vhostFd, contextID, err := utils.FindContextID()
	if err != nil {
		return err
	}

	device.VSockDev = &config.VSockDev{
		ID:        utils.MakeNameID("vsock", device.DeviceInfo.ID, maxDevIDSize),
		ContextID: contextID,
		VhostFd:   vhostFd,
	}

	defer func() {
		if retErr != nil {
			vhostFd.Close()
			device.VSockDev = nil
		}
	}()

	deviceLogger().WithField("context-id", contextID).Info("Attaching vsock device")

	if err := devReceiver.HotplugAddDevice(ctx, device, config.DeviceVSock); err != nil {
		deviceLogger().WithError(err).Error("Failed to add vsock device")
		return err
	}

	return nil
}

// Detach unplugs the vsock device from the receiver and releases the
// vhost-vsock descriptor, freeing the context ID.
func (device *VSockDevice) Detach(ctx context.Context, devReceiver api.DeviceReceiver) (retErr error) {
	skip, err := device.bumpAttachCount(false)
	if err != nil {
		return err
	}
	if skip {
		return nil
	}

	defer func() {
		if retErr != nil {
			device.bumpAttachCount(true)
		}
	}()

	if err := devReceiver.HotplugRemoveDevice(ctx, device, config.DeviceVSock); err != nil {
		deviceLogger().WithError(err).Error("Failed to remove vsock device")
		return err
	}

	if device.VSockDev != nil && device.VSockDev.VhostFd != nil {
		device.VSockDev.VhostFd.Close()
		device.VSockDev.VhostFd = nil
	}

	deviceLogger().WithField("device", device.DeviceInfo.HostPath).Info("Vsock device detached")
	return nil
}

// DeviceType is standard interface of api.Device, it returns device type
func (device *VSockDevice) DeviceType() config.DeviceType {
	return config.DeviceVSock
}

// GetDeviceInfo returns device information used for creating
func (device *VSockDevice) GetDeviceInfo() interface{} {
	return device.VSockDev
}

// Save converts Device to DeviceState
func (device *VSockDevice) Save() config.DeviceState {
	ds := device.GenericDevice.Save()
	ds.Type = string(device.DeviceType())
	ds.VSockDev = device.VSockDev
	return ds
}

// Load loads DeviceState and converts it to specific device
func (device *VSockDevice) Load(ds config.DeviceState) {
	device.GenericDevice = &GenericDevice{}
	device.GenericDevice.Load(ds)

	device.VSockDev = ds.VSockDev
}
