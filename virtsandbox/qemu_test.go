// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtsandbox

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sandboxvm/runtime/virtsandbox/types"
)

func newQemuConfig() HypervisorConfig {
	return HypervisorConfig{
		KernelPath:      "/some/kernel/path",
		ImagePath:       "/some/image/path",
		NumVCPUs:        defaultVCPUs,
		DefaultMaxVCPUs: defaultMaxVCPUs,
		MemorySize:      defaultMemSzMiB,
		DefaultBridges:  defaultBridges,
	}
}

func TestQemuKernelParameters(t *testing.T) {
	assert := assert.New(t)

	config := newQemuConfig()
	config.DefaultMaxVCPUs = 8
	config.KernelParams = []Param{
		{"foo", "bar"},
		{"debug", ""},
	}

	q := &qemu{
		config: config,
	}

	expected := fmt.Sprintf("panic=1 nr_cpus=%d foo=bar debug", config.DefaultMaxVCPUs)
	assert.Equal(expected, q.kernelParameters())
}

func TestQemuMachineType(t *testing.T) {
	assert := assert.New(t)

	q := &qemu{
		config: newQemuConfig(),
	}
	assert.Equal(defaultQemuMachineType, q.machineType())

	q.config.HypervisorMachineType = QemuCCWVirtio
	assert.Equal(QemuCCWVirtio, q.machineType())
}

func TestQemuBridgeType(t *testing.T) {
	assert := assert.New(t)

	q := &qemu{
		config: newQemuConfig(),
	}
	assert.Equal(types.PCI, q.bridgeType())

	q.config.HypervisorMachineType = QemuCCWVirtio
	assert.Equal(types.CCW, q.bridgeType())
}

func TestQemuCapabilities(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	q := &qemu{
		config: newQemuConfig(),
	}

	caps := q.Capabilities(ctx)
	assert.True(caps.IsBlockDeviceSupported())
	assert.True(caps.IsBlockDeviceHotplugSupported())
	assert.True(caps.IsVFIODeviceHotplugSupported())
	assert.True(caps.IsNetDeviceHotplugSupported())
	assert.True(caps.IsMultiQueueSupported())
	assert.True(caps.IsGuestMemoryHotplugSupported())

	q.config.DisableBlockDeviceUse = true
	caps = q.Capabilities(ctx)
	assert.False(caps.IsBlockDeviceSupported())
	assert.False(caps.IsBlockDeviceHotplugSupported())
	assert.True(caps.IsVFIODeviceHotplugSupported())

	// the ccw machine has no ACPI, and without ACPI no memory hotplug
	q.config.DisableBlockDeviceUse = false
	q.config.HypervisorMachineType = QemuCCWVirtio
	caps = q.Capabilities(ctx)
	assert.False(caps.IsGuestMemoryHotplugSupported())
	assert.True(caps.IsBlockDeviceHotplugSupported())
}

func TestQemuCPUTopology(t *testing.T) {
	assert := assert.New(t)
	vcpus := uint32(2)
	maxvcpus := uint32(8)

	q := &qemu{
		config: HypervisorConfig{
			NumVCPUs:        vcpus,
			DefaultMaxVCPUs: maxvcpus,
		},
	}

	smp := q.cpuTopology()
	assert.Equal(vcpus, smp.CPUs)
	assert.Equal(maxvcpus, smp.Sockets)
	assert.Equal(maxvcpus, smp.MaxCPUs)
	assert.Equal(uint32(1), smp.Cores)
	assert.Equal(uint32(1), smp.Threads)
}

func TestQemuMemoryTopology(t *testing.T) {
	assert := assert.New(t)
	mem := uint32(1000)
	slots := uint32(3)

	q := &qemu{
		config: HypervisorConfig{
			MemorySize: mem,
			MemSlots:   slots,
		},
	}

	memory, err := q.memoryTopology()
	assert.NoError(err)
	assert.Equal(fmt.Sprintf("%dM", mem), memory.Size)
	assert.Equal(uint8(slots), memory.Slots)
	assert.NotEmpty(memory.MaxMem)
}

func TestQemuSetConfig(t *testing.T) {
	assert := assert.New(t)

	config := newQemuConfig()
	q := &qemu{}

	assert.NoError(q.setConfig(&config))
	assert.Equal(config, q.HypervisorConfig())

	config.KernelPath = ""
	assert.Error(q.setConfig(&config))
}

func TestCalcHotplugMemMiBSize(t *testing.T) {
	assert := assert.New(t)

	data := []struct {
		mem       uint32
		sectionMB uint32
		expected  uint32
	}{
		{100, 0, 100},
		{128, 128, 128},
		{129, 128, 256},
		{900, 128, 1024},
		{0, 128, 0},
	}

	for _, d := range data {
		size, err := calcHotplugMemMiBSize(d.mem, d.sectionMB)
		assert.NoError(err)
		assert.Equal(d.expected, size, "mem %d section %d", d.mem, d.sectionMB)
	}
}

func TestQemuQMPLoggerLevels(t *testing.T) {
	assert := assert.New(t)

	l := newQMPLogger()
	assert.False(l.V(0))
	assert.True(l.V(1))
}
