// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package api

import (
	"context"

	"github.com/sandboxvm/runtime/virtsandbox/device/config"
)

// MockDeviceReceiver is a fake DeviceReceiver API implementation only used for test
type MockDeviceReceiver struct{}

// HotplugAddDevice adds a new device
func (mockDC *MockDeviceReceiver) HotplugAddDevice(context.Context, Device, config.DeviceType) error {
	return nil
}

// HotplugRemoveDevice removes a device
func (mockDC *MockDeviceReceiver) HotplugRemoveDevice(context.Context, Device, config.DeviceType) error {
	return nil
}

// GetAndSetSandboxBlockIndex is used for get and set virtio-blk indexes
func (mockDC *MockDeviceReceiver) GetAndSetSandboxBlockIndex() (int, error) {
	return 0, nil
}

// UnsetSandboxBlockIndex releases a virtio-blk index for reuse
func (mockDC *MockDeviceReceiver) UnsetSandboxBlockIndex(int) error {
	return nil
}

// GetHypervisorType is used for getting Hypervisor name currently used.
func (mockDC *MockDeviceReceiver) GetHypervisorType() string {
	return ""
}
