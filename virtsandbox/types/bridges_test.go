// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package types

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testAddRemoveDevice(t *testing.T, b *Bridge) {
	assert := assert.New(t)

	devID := "abc123"

	addr, err := b.AddDevice(context.Background(), devID)
	assert.NoError(err)
	if addr < 1 {
		assert.Fail("address cannot be less than 1")
	}

	err = b.RemoveDevice("")
	assert.Error(err)

	err = b.RemoveDevice(devID)
	assert.NoError(err)

	// fill the bridge up, the next add must fail
	b.Devices = make(map[uint32]string)
	for i := uint32(1); i <= b.MaxCapacity; i++ {
		b.Devices[i] = fmt.Sprintf("%d", i)
	}
	addr, err = b.AddDevice(context.Background(), devID)
	assert.Error(err)
	if addr != 0 {
		assert.Fail("address should be 0")
	}
}

func TestAddRemoveDevicePCI(t *testing.T) {
	b := NewBridge(PCI, "rgb123", make(map[uint32]string), 5)
	testAddRemoveDevice(t, &b)
}

func TestAddRemoveDeviceCCW(t *testing.T) {
	b := NewBridge(CCW, "rgb123", make(map[uint32]string), 5)
	testAddRemoveDevice(t, &b)
}

func TestNewBridge(t *testing.T) {
	assert := assert.New(t)

	pcibridge := NewBridge(PCI, "", make(map[uint32]string), 0)
	assert.Equal(pcibridge.Type, PCI)
	assert.Equal(pcibridge.MaxCapacity, uint32(PCIBridgeMaxCapacity))

	pciebridge := NewBridge(PCIE, "", make(map[uint32]string), 0)
	assert.Equal(pciebridge.Type, PCIE)
	assert.Equal(pciebridge.MaxCapacity, uint32(PCIBridgeMaxCapacity))

	ccwbridge := NewBridge(CCW, "", make(map[uint32]string), 0)
	assert.Equal(ccwbridge.Type, CCW)
	assert.Equal(ccwbridge.MaxCapacity, uint32(CCWBridgeMaxCapacity))

	defaultbridge := NewBridge("", "", make(map[uint32]string), 0)
	assert.Empty(defaultbridge.Type)
	assert.Equal(defaultbridge.MaxCapacity, uint32(0))
}

func TestAddressFormat(t *testing.T) {
	assert := assert.New(t)

	ccwbridge := NewBridge(CCW, "", make(map[uint32]string), 0)
	format, err := ccwbridge.AddressFormatCCW("0")
	assert.NoError(err)
	assert.Equal(format, "fe.0.0")
	format, err = ccwbridge.AddressFormatCCWForVirtServer("0")
	assert.NoError(err)
	assert.Equal(format, "0.0.0")

	pcibridge := NewBridge(PCI, "", make(map[uint32]string), 0)
	_, err = pcibridge.AddressFormatCCW("0")
	assert.Error(err)
	_, err = pcibridge.AddressFormatCCWForVirtServer("0")
	assert.Error(err)
}

func TestCcwDevice(t *testing.T) {
	assert := assert.New(t)

	dev, err := CcwDeviceFrom(0, "0000")
	assert.NoError(err)
	assert.Equal(dev, CcwDevice{0, 0})
	assert.Equal(dev.String(), "0.0.0000")

	dev, err = CcwDeviceFrom(3, "ffff")
	assert.NoError(err)
	assert.Equal(dev, CcwDevice{3, 65535})
	assert.Equal(dev.String(), "0.3.ffff")

	_, err = CcwDeviceFrom(4, "0000")
	assert.Error(err)

	_, err = CcwDeviceFrom(-1, "0000")
	assert.Error(err)

	_, err = CcwDeviceFrom(0, "10000")
	assert.Error(err)

	_, err = CcwDeviceFrom(0, "NaN")
	assert.Error(err)
}
