// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtsandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sandboxvm/runtime/virtsandbox/device/config"
)

func TestHypervisorConfigNoKernelPath(t *testing.T) {
	assert := assert.New(t)

	conf := &HypervisorConfig{
		KernelPath: "",
		ImagePath:  "/some/image/path",
	}
	assert.Error(conf.Valid())
}

func TestHypervisorConfigNoImageNorInitrd(t *testing.T) {
	assert := assert.New(t)

	conf := &HypervisorConfig{
		KernelPath: "/some/kernel/path",
	}
	assert.Error(conf.Valid())
}

func TestHypervisorConfigImageAndInitrd(t *testing.T) {
	assert := assert.New(t)

	conf := &HypervisorConfig{
		KernelPath: "/some/kernel/path",
		ImagePath:  "/some/image/path",
		InitrdPath: "/some/initrd/path",
	}
	assert.Error(conf.Valid())
}

func TestHypervisorConfigDefaults(t *testing.T) {
	assert := assert.New(t)

	conf := &HypervisorConfig{
		KernelPath: "/some/kernel/path",
		ImagePath:  "/some/image/path",
	}
	assert.NoError(conf.Valid())

	assert.Equal(uint32(defaultVCPUs), conf.NumVCPUs)
	assert.Equal(uint32(defaultMemSzMiB), conf.MemorySize)
	assert.Equal(uint32(defaultBridges), conf.DefaultBridges)
	assert.Equal(defaultBlockDriver, conf.BlockDeviceDriver)
	assert.Equal(defaultMaxVCPUs, conf.DefaultMaxVCPUs)
}

func TestHypervisorConfigBlockDriverCCW(t *testing.T) {
	assert := assert.New(t)

	conf := &HypervisorConfig{
		KernelPath:            "/some/kernel/path",
		ImagePath:             "/some/image/path",
		BlockDeviceDriver:     config.VirtioBlock,
		HypervisorMachineType: QemuCCWVirtio,
	}
	assert.NoError(conf.Valid())
	assert.Equal(config.VirtioBlockCCW, conf.BlockDeviceDriver)
}

func TestHypervisorConfigMaxVCPUsClamped(t *testing.T) {
	assert := assert.New(t)

	conf := &HypervisorConfig{
		KernelPath:      "/some/kernel/path",
		ImagePath:       "/some/image/path",
		DefaultMaxVCPUs: defaultMaxVCPUs + 10,
	}
	assert.NoError(conf.Valid())
	assert.Equal(defaultMaxVCPUs, conf.DefaultMaxVCPUs)
}

func TestAddKernelParam(t *testing.T) {
	assert := assert.New(t)

	conf := &HypervisorConfig{}
	assert.Error(conf.AddKernelParam(Param{}))

	expected := []Param{
		{"foo", "bar"},
	}
	assert.NoError(conf.AddKernelParam(expected[0]))
	assert.Equal(expected, conf.KernelParams)
}

func TestSerializeParams(t *testing.T) {
	assert := assert.New(t)

	params := []Param{
		{"", ""},
		{"", "valueonly"},
		{"keyonly", ""},
		{"key", "value"},
	}

	assert.Equal([]string{"valueonly", "keyonly", "key=value"},
		SerializeParams(params, "="))

	assert.Equal([]string{"valueonly", "keyonly", "key", "value"},
		SerializeParams(params, ""))
}

func TestGetHostMemorySizeKb(t *testing.T) {
	assert := assert.New(t)

	data := []struct {
		contents    string
		expected    uint64
		expectError bool
	}{
		{
			`
			MemTotal:      1 kB
			MemFree:       2 kB
			SwapTotal:     3 kB
			SwapFree:      4 kB
			`,
			1,
			false,
		},
		{
			`
			MemFree:       2 kB
			SwapTotal:     3 kB
			SwapFree:      4 kB
			`,
			0,
			true,
		},
		{
			`
			MemTotal:      errors out kB
			`,
			0,
			true,
		},
	}

	dir := t.TempDir()
	file := filepath.Join(dir, "meminfo")
	_, err := GetHostMemorySizeKb(file)
	assert.Error(err)

	for _, d := range data {
		err := os.WriteFile(file, []byte(d.contents), os.FileMode(0640))
		assert.NoError(err)

		hostMemKb, err := GetHostMemorySizeKb(file)
		assert.Equal(d.expectError, err != nil, "contents %q", d.contents)
		if !d.expectError {
			assert.Equal(d.expected, hostMemKb)
		}
	}
}

func TestHypervisorTypeSet(t *testing.T) {
	assert := assert.New(t)

	var hType HypervisorType
	assert.NoError(hType.Set("qemu"))
	assert.Equal(QemuHypervisor, hType)

	assert.NoError(hType.Set("mock"))
	assert.Equal(MockHypervisor, hType)

	assert.Error(hType.Set("invalid"))
}

func TestHypervisorTypeString(t *testing.T) {
	assert := assert.New(t)

	qemuType := QemuHypervisor
	assert.Equal("qemu", qemuType.String())

	mockType := MockHypervisor
	assert.Equal("mock", mockType.String())

	invalidType := HypervisorType("invalid")
	assert.Equal("", invalidType.String())
}

func TestNewHypervisor(t *testing.T) {
	assert := assert.New(t)

	hypervisor, err := NewHypervisor(QemuHypervisor)
	assert.NoError(err)
	assert.IsType(&qemu{}, hypervisor)

	hypervisor, err = NewHypervisor(MockHypervisor)
	assert.NoError(err)
	assert.IsType(&mockHypervisor{}, hypervisor)

	hypervisor, err = NewHypervisor(HypervisorType("invalid"))
	assert.Error(err)
	assert.Nil(hypervisor)
}

func TestGetHypervisorPid(t *testing.T) {
	assert := assert.New(t)

	m := &mockHypervisor{mockPid: 1234}
	assert.Equal(1234, GetHypervisorPid(m))
}
