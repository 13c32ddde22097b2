// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package drivers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sandboxvm/runtime/virtsandbox/device/api"
	"github.com/sandboxvm/runtime/virtsandbox/device/config"
	"github.com/sandboxvm/runtime/virtsandbox/utils"
)

func TestVSockDeviceType(t *testing.T) {
	assert := assert.New(t)

	dev := NewVSockDevice(&config.DeviceInfo{ID: "vsock-1"})
	assert.Equal(config.DeviceVSock, dev.DeviceType())
	assert.Equal("vsock-1", dev.DeviceID())
}

func TestVSockDeviceDetachUnattached(t *testing.T) {
	assert := assert.New(t)

	dev := NewVSockDevice(&config.DeviceInfo{ID: "vsock-2"})
	err := dev.Detach(context.Background(), &api.MockDeviceReceiver{})
	assert.Error(err)
	assert.Equal(uint(0), dev.GetAttachCount())
}

func TestVSockDeviceAttachNoVhost(t *testing.T) {
	assert := assert.New(t)

	// point at a missing vhost-vsock node, context ID reservation
	// fails and the attach count is rolled back
	savedPath := utils.VHostVSockDevicePath
	defer func() {
		utils.VHostVSockDevicePath = savedPath
	}()
	utils.VHostVSockDevicePath = "/this/path/does/not/exist"

	dev := NewVSockDevice(&config.DeviceInfo{ID: "vsock-3"})
	err := dev.Attach(context.Background(), &api.MockDeviceReceiver{})
	assert.Error(err)
	assert.Equal(uint(0), dev.GetAttachCount())
}

func TestVSockDeviceSaveLoad(t *testing.T) {
	assert := assert.New(t)

	dev := NewVSockDevice(&config.DeviceInfo{ID: "vsock-4"})
	dev.VSockDev = &config.VSockDev{
		ID:        "vsock-4",
		ContextID: 1234,
		Port:      1024,
	}
	dev.AttachCount = 1

	ds := dev.Save()
	assert.Equal(string(config.DeviceVSock), ds.Type)
	assert.NotNil(ds.VSockDev)

	loaded := &VSockDevice{}
	loaded.Load(ds)
	assert.Equal(dev.DeviceID(), loaded.DeviceID())
	assert.Equal(uint64(1234), loaded.VSockDev.ContextID)
}
