// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtsandbox

import (
	"context"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"

	"github.com/sandboxvm/runtime/virtsandbox/device/config"
	"github.com/sandboxvm/runtime/virtsandbox/device/drivers"
	"github.com/sandboxvm/runtime/virtsandbox/types"
)

func newMockSandboxConfig() SandboxConfig {
	return SandboxConfig{
		ID:             "test-sandbox",
		HypervisorType: MockHypervisor,
		HypervisorConfig: HypervisorConfig{
			KernelPath: "/some/kernel/path",
			ImagePath:  "/some/image/path",
		},
	}
}

func TestSandboxConfigValid(t *testing.T) {
	assert := assert.New(t)

	sConfig := newMockSandboxConfig()
	assert.True(sConfig.valid())

	sConfig.ID = ""
	assert.False(sConfig.valid())

	// an unknown hypervisor type falls back to the default
	sConfig = newMockSandboxConfig()
	sConfig.HypervisorType = HypervisorType("invalid")
	assert.True(sConfig.valid())
	assert.Equal(QemuHypervisor, sConfig.HypervisorType)
}

func TestNewSandbox(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s, err := NewSandbox(ctx, newMockSandboxConfig())
	assert.NoError(err)
	assert.Equal("test-sandbox", s.ID())
	assert.Equal("mock", s.GetHypervisorType())
	assert.Equal(types.StateReady, s.state.State)

	sConfig := newMockSandboxConfig()
	sConfig.ID = ""
	_, err = NewSandbox(ctx, sConfig)
	assert.Error(err)

	sConfig = newMockSandboxConfig()
	sConfig.HypervisorConfig.KernelPath = ""
	_, err = NewSandbox(ctx, sConfig)
	assert.Error(err)
}

func TestSandboxStartStop(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s, err := NewSandbox(ctx, newMockSandboxConfig())
	assert.NoError(err)

	assert.NoError(s.Start(ctx))
	assert.Equal(types.StateRunning, s.state.State)

	// a second Start is an invalid state transition
	assert.Error(s.Start(ctx))

	assert.NoError(s.Stop(ctx, false))
	assert.Equal(types.StateStopped, s.state.State)

	// once teardown has begun everything is turned away
	assert.ErrorIs(s.Stop(ctx, false), ErrSandboxClosing)

	limit := int64(1 << 30)
	resources := specs.LinuxResources{
		Memory: &specs.LinuxMemory{Limit: &limit},
	}
	err = s.UpdateResources(ctx, "c1", &resources, AddResources)
	assert.ErrorIs(err, ErrSandboxClosing)

	_, err = s.AddDevice(ctx, config.DeviceInfo{})
	assert.ErrorIs(err, ErrSandboxClosing)
}

func TestSandboxStaticResourceMgmt(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	sConfig := newMockSandboxConfig()
	sConfig.StaticResourceMgmt = true

	s, err := NewSandbox(ctx, sConfig)
	assert.NoError(err)
	assert.NoError(s.Start(ctx))

	h := s.hypervisor.(*mockHypervisor)
	memBefore := h.memoryMB

	limit := int64(1 << 30)
	resources := specs.LinuxResources{
		Memory: &specs.LinuxMemory{Limit: &limit},
	}
	assert.NoError(s.UpdateResources(ctx, "c1", &resources, AddResources))
	assert.Equal(memBefore, h.memoryMB)
}

func TestGetAndSetSandboxBlockIndex(t *testing.T) {
	assert := assert.New(t)

	s := &Sandbox{
		state: types.SandboxState{
			BlockIndexMap: make(map[int]struct{}),
		},
	}

	for i := 0; i < 3; i++ {
		index, err := s.GetAndSetSandboxBlockIndex()
		assert.NoError(err)
		assert.Equal(i, index)
	}

	// a freed index is handed out again before a fresh one
	assert.NoError(s.UnsetSandboxBlockIndex(1))

	index, err := s.GetAndSetSandboxBlockIndex()
	assert.NoError(err)
	assert.Equal(1, index)

	index, err = s.GetAndSetSandboxBlockIndex()
	assert.NoError(err)
	assert.Equal(3, index)
}

func TestSandboxHotplugDeviceTypeMismatch(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := newResourceTestSandbox(false)

	generic := drivers.NewGenericDevice(&config.DeviceInfo{
		ID:            "dev1",
		ContainerPath: "/dev/foo",
	})

	assert.Error(s.HotplugAddDevice(ctx, generic, config.DeviceBlock))
	assert.Error(s.HotplugAddDevice(ctx, generic, config.DeviceVSock))
	assert.Error(s.HotplugAddDevice(ctx, generic, config.DeviceVFIO))
	assert.NoError(s.HotplugAddDevice(ctx, generic, config.DeviceGeneric))

	assert.Error(s.HotplugRemoveDevice(ctx, generic, config.DeviceBlock))
	assert.Error(s.HotplugRemoveDevice(ctx, generic, config.DeviceVSock))
	assert.Error(s.HotplugRemoveDevice(ctx, generic, config.DeviceVFIO))
	assert.NoError(s.HotplugRemoveDevice(ctx, generic, config.DeviceGeneric))
}

func TestSandboxHotplugBlockDevice(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := newResourceTestSandbox(false)

	block := &drivers.BlockDevice{
		GenericDevice: drivers.NewGenericDevice(&config.DeviceInfo{
			ID:            "block1",
			ContainerPath: "/dev/block1",
		}),
		BlockDrive: &config.BlockDrive{
			ID:   "drive1",
			File: "/dev/block1",
		},
	}

	assert.NoError(s.HotplugAddDevice(ctx, block, config.DeviceBlock))
	assert.NoError(s.HotplugRemoveDevice(ctx, block, config.DeviceBlock))

	// PMEM backed drives cannot be hot removed, only skipped
	block.BlockDrive.Pmem = true
	assert.NoError(s.HotplugRemoveDevice(ctx, block, config.DeviceBlock))
}

func TestSandboxAppendStorage(t *testing.T) {
	assert := assert.New(t)

	s := newResourceTestSandbox(false)
	s.config.HypervisorConfig.BlockDeviceDriver = config.VirtioSCSI

	block := &drivers.BlockDevice{
		GenericDevice: drivers.NewGenericDevice(&config.DeviceInfo{
			ID:            "block1",
			ContainerPath: "/dev/block1",
		}),
		BlockDrive: &config.BlockDrive{
			ID:       "drive1",
			File:     "/dev/block1",
			VirtPath: "/dev/vda",
			Format:   "ext4",
		},
	}

	s.appendStorage(block)

	storages := s.Storages()
	assert.Len(storages, 1)
	assert.Equal(config.VirtioSCSI, storages[0].Driver)
	assert.Equal("/dev/vda", storages[0].Source)
	assert.Equal("ext4", storages[0].FSType)

	// non block devices are ignored
	s.appendStorage(drivers.NewGenericDevice(&config.DeviceInfo{ID: "gen"}))
	assert.Len(s.Storages(), 1)
}

func TestCreateEndpoint(t *testing.T) {
	assert := assert.New(t)

	// "lo" is never a physical NIC so no ethtool round trip happens
	netInfo := NetworkInfo{
		Iface: NetlinkIface{
			Type: "veth",
		},
	}
	netInfo.Iface.Name = "lo"

	endpoint, err := createEndpoint(netInfo, 0, DefaultNetInterworkingModel)
	assert.NoError(err)
	assert.Equal(VethEndpointType, endpoint.Type())

	netInfo.Iface.Type = "tuntap"
	endpoint, err = createEndpoint(netInfo, 0, DefaultNetInterworkingModel)
	assert.NoError(err)
	assert.Equal(TapEndpointType, endpoint.Type())
}

func TestSandboxEndpointsNotFound(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := newResourceTestSandbox(false)
	assert.Empty(s.Endpoints())
	assert.Error(s.RemoveEndpoint(ctx, "eth0"))
}
