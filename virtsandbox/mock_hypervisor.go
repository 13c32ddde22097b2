// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtsandbox

import (
	"context"
	"os"

	"github.com/sandboxvm/runtime/virtsandbox/types"
)

var MockHybridVSockPath = "/tmp/sandboxvm-mock-hybrid-vsock.socket"

type mockHypervisor struct {
	config HypervisorConfig

	mockPid int

	memoryMB uint32
	vcpus    uint32
}

func (m *mockHypervisor) Capabilities(ctx context.Context) types.Capabilities {
	caps := types.Capabilities{}
	caps.SetBlockDeviceHotplugSupport()
	caps.SetVFIODeviceHotplugSupport()
	caps.SetNetDeviceHotplugSupported()
	caps.SetGuestMemoryHotplugSupported()
	return caps
}

func (m *mockHypervisor) HypervisorConfig() HypervisorConfig {
	return m.config
}

func (m *mockHypervisor) setConfig(config *HypervisorConfig) error {
	m.config = *config
	return nil
}

func (m *mockHypervisor) CreateVM(ctx context.Context, id string, hypervisorConfig *HypervisorConfig) error {
	if err := hypervisorConfig.Valid(); err != nil {
		return err
	}

	m.config = *hypervisorConfig
	m.memoryMB = hypervisorConfig.MemorySize
	m.vcpus = hypervisorConfig.NumVCPUs
	return nil
}

func (m *mockHypervisor) StartVM(ctx context.Context, timeout int) error {
	return nil
}

func (m *mockHypervisor) StopVM(ctx context.Context, waitOnly bool) error {
	return nil
}

func (m *mockHypervisor) HotplugAddDevice(ctx context.Context, devInfo interface{}, devType DeviceType) (interface{}, error) {
	switch devType {
	case CpuDev:
		return devInfo.(uint32), nil
	case MemoryDev:
		memdev := devInfo.(*MemoryDevice)
		return memdev.SizeMB, nil
	}
	return nil, nil
}

func (m *mockHypervisor) HotplugRemoveDevice(ctx context.Context, devInfo interface{}, devType DeviceType) (interface{}, error) {
	switch devType {
	case CpuDev:
		return devInfo.(uint32), nil
	case MemoryDev:
		return 0, nil
	}
	return nil, nil
}

func (m *mockHypervisor) ResizeMemory(ctx context.Context, memMB uint32, memorySectionSizeMB uint32, probe bool) (uint32, MemoryDevice, error) {
	m.memoryMB = memMB
	return memMB, MemoryDevice{}, nil
}

func (m *mockHypervisor) ResizeVCPUs(ctx context.Context, cpus uint32) (uint32, uint32, error) {
	oldVCPUs := m.vcpus
	m.vcpus = cpus
	return oldVCPUs, cpus, nil
}

func (m *mockHypervisor) Disconnect(ctx context.Context) {
}

func (m *mockHypervisor) GetThreadIDs(ctx context.Context) (VcpuThreadIDs, error) {
	vcpus := map[int]int{0: os.Getpid()}
	return VcpuThreadIDs{vcpus}, nil
}

func (m *mockHypervisor) Cleanup(ctx context.Context) error {
	return nil
}

func (m *mockHypervisor) GetPids() []int {
	return []int{m.mockPid}
}

func (m *mockHypervisor) Check() error {
	return nil
}

func (m *mockHypervisor) GenerateSocket(id string) (interface{}, error) {
	return types.HybridVSock{
		UdsPath: MockHybridVSockPath,
		Port:    uint32(vSockPort),
	}, nil
}
