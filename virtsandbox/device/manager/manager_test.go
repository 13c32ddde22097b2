// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sandboxvm/runtime/virtsandbox/device/api"
	"github.com/sandboxvm/runtime/virtsandbox/device/config"
	"github.com/sandboxvm/runtime/virtsandbox/device/drivers"
)

const fileMode0640 = os.FileMode(0640)

// dirMode is the permission bits used for creating a directory
const dirMode = os.FileMode(0750) | os.ModeDir

func TestNewDevice(t *testing.T) {
	dm := &deviceManager{
		blockDriver: VirtioBlock,
		devices:     make(map[string]*deviceEntry),
	}
	savedSysDevPrefix := config.SysDevPrefix

	major := int64(252)
	minor := int64(3)

	config.SysDevPrefix = t.TempDir()
	defer func() {
		config.SysDevPrefix = savedSysDevPrefix
	}()

	path := "/dev/vfio/2"
	deviceInfo := config.DeviceInfo{
		ContainerPath: "",
		Major:         major,
		Minor:         minor,
		UID:           2,
		GID:           2,
		DevType:       "c",
	}

	_, err := dm.NewDevice(deviceInfo)
	assert.NotNil(t, err)

	format := strconv.FormatInt(major, 10) + ":" + strconv.FormatInt(minor, 10)
	ueventPathPrefix := filepath.Join(config.SysDevPrefix, "char", format)
	ueventPath := filepath.Join(ueventPathPrefix, "uevent")

	// Return true for non-existent /sys/dev path.
	deviceInfo.ContainerPath = path
	_, err = dm.NewDevice(deviceInfo)
	assert.Nil(t, err)

	err = os.MkdirAll(ueventPathPrefix, dirMode)
	assert.Nil(t, err)

	// Should return error for bad data in uevent file
	content := []byte("nonkeyvaluedata")
	err = os.WriteFile(ueventPath, content, fileMode0640)
	assert.Nil(t, err)

	_, err = dm.NewDevice(deviceInfo)
	assert.NotNil(t, err)

	content = []byte("MAJOR=252\nMINOR=3\nDEVNAME=vfio/2")
	err = os.WriteFile(ueventPath, content, fileMode0640)
	assert.Nil(t, err)

	device, err := dm.NewDevice(deviceInfo)
	assert.Nil(t, err)

	vfioDev, ok := device.(*drivers.VFIODevice)
	assert.True(t, ok)
	assert.Equal(t, vfioDev.DeviceInfo.HostPath, path)
	assert.Equal(t, vfioDev.DeviceInfo.ContainerPath, path)
	assert.Equal(t, vfioDev.DeviceInfo.DevType, "c")
	assert.Equal(t, vfioDev.DeviceInfo.Major, major)
	assert.Equal(t, vfioDev.DeviceInfo.Minor, minor)
	assert.Equal(t, vfioDev.DeviceInfo.UID, uint32(2))
	assert.Equal(t, vfioDev.DeviceInfo.GID, uint32(2))
}

func TestAttachVFIODevice(t *testing.T) {
	dm := &deviceManager{
		blockDriver: VirtioBlock,
		devices:     make(map[string]*deviceEntry),
	}
	tmpDir := t.TempDir()

	testFDIOGroup := "2"
	testDeviceBDFPath := "0000:00:1c.0"

	devicesDir := filepath.Join(tmpDir, testFDIOGroup, "devices")
	err := os.MkdirAll(devicesDir, dirMode)
	assert.Nil(t, err)

	deviceBDFDir := filepath.Join(devicesDir, testDeviceBDFPath)
	err = os.MkdirAll(deviceBDFDir, dirMode)
	assert.Nil(t, err)

	deviceClassFile := filepath.Join(deviceBDFDir, "class")
	_, err = os.Create(deviceClassFile)
	assert.Nil(t, err)

	deviceConfigFile := filepath.Join(deviceBDFDir, "config")
	_, err = os.Create(deviceConfigFile)
	assert.Nil(t, err)

	savedIOMMUPath := config.SysIOMMUPath
	config.SysIOMMUPath = tmpDir

	savedSysBusPciDevicesPath := config.SysBusPciDevicesPath
	config.SysBusPciDevicesPath = devicesDir

	defer func() {
		config.SysIOMMUPath = savedIOMMUPath
		config.SysBusPciDevicesPath = savedSysBusPciDevicesPath
	}()

	path := filepath.Join(vfioPath, testFDIOGroup)
	deviceInfo := config.DeviceInfo{
		HostPath:      path,
		ContainerPath: path,
		DevType:       "c",
	}

	device, err := dm.NewDevice(deviceInfo)
	assert.Nil(t, err)
	_, ok := device.(*drivers.VFIODevice)
	assert.True(t, ok)

	devReceiver := &api.MockDeviceReceiver{}
	err = device.Attach(context.Background(), devReceiver)
	assert.Nil(t, err)

	err = device.Detach(context.Background(), devReceiver)
	assert.Nil(t, err)
}

func TestAttachGenericDevice(t *testing.T) {
	dm := &deviceManager{
		blockDriver: VirtioBlock,
		devices:     make(map[string]*deviceEntry),
	}
	path := "/dev/tty2"
	deviceInfo := config.DeviceInfo{
		HostPath:      path,
		ContainerPath: path,
		DevType:       "c",
	}

	device, err := dm.NewDevice(deviceInfo)
	assert.Nil(t, err)
	_, ok := device.(*drivers.GenericDevice)
	assert.True(t, ok)

	devReceiver := &api.MockDeviceReceiver{}
	err = device.Attach(context.Background(), devReceiver)
	assert.Nil(t, err)

	err = device.Detach(context.Background(), devReceiver)
	assert.Nil(t, err)
}

func TestAttachBlockDevice(t *testing.T) {
	dm := &deviceManager{
		blockDriver: VirtioBlock,
		devices:     make(map[string]*deviceEntry),
	}
	path := "/dev/hda"
	deviceInfo := config.DeviceInfo{
		HostPath:      path,
		ContainerPath: path,
		DevType:       "b",
	}

	devReceiver := &api.MockDeviceReceiver{}
	device, err := dm.NewDevice(deviceInfo)
	assert.Nil(t, err)
	_, ok := device.(*drivers.BlockDevice)
	assert.True(t, ok)

	err = device.Attach(context.Background(), devReceiver)
	assert.Nil(t, err)

	err = device.Detach(context.Background(), devReceiver)
	assert.Nil(t, err)

	// test virtio SCSI driver
	dm.blockDriver = VirtioSCSI
	device, err = dm.NewDevice(deviceInfo)
	assert.Nil(t, err)
	err = device.Attach(context.Background(), devReceiver)
	assert.Nil(t, err)

	err = device.Detach(context.Background(), devReceiver)
	assert.Nil(t, err)
}

func TestAttachDetachDevice(t *testing.T) {
	dm := NewDeviceManager(VirtioSCSI, nil)

	path := "/dev/hda"
	deviceInfo := config.DeviceInfo{
		HostPath:      path,
		ContainerPath: path,
		DevType:       "b",
	}

	devReceiver := &api.MockDeviceReceiver{}
	device, err := dm.NewDevice(deviceInfo)
	assert.Nil(t, err)

	// attach non-exist device
	err = dm.AttachDevice(context.Background(), "non-exist", devReceiver)
	assert.NotNil(t, err)

	// attach device
	err = dm.AttachDevice(context.Background(), device.DeviceID(), devReceiver)
	assert.Nil(t, err)
	assert.Equal(t, device.GetAttachCount(), uint(1), "attach device count should be 1")
	// attach device again(twice)
	err = dm.AttachDevice(context.Background(), device.DeviceID(), devReceiver)
	assert.Nil(t, err)
	assert.Equal(t, device.GetAttachCount(), uint(2), "attach device count should be 2")

	attached := dm.IsDeviceAttached(device.DeviceID())
	assert.True(t, attached)

	// removing an attached device must fail
	err = dm.RemoveDevice(device.DeviceID())
	assert.Equal(t, err, ErrRemoveAttachedDevice, "")

	// detach device
	err = dm.DetachDevice(context.Background(), device.DeviceID(), devReceiver)
	assert.Nil(t, err)
	assert.Equal(t, device.GetAttachCount(), uint(1), "attach device count should be 1")
	// detach device again(twice)
	err = dm.DetachDevice(context.Background(), device.DeviceID(), devReceiver)
	assert.Nil(t, err)
	assert.Equal(t, device.GetAttachCount(), uint(0), "attach device count should be 0")
	// detach device again should report error
	err = dm.DetachDevice(context.Background(), device.DeviceID(), devReceiver)
	assert.NotNil(t, err)
	assert.Equal(t, err, ErrDeviceNotAttached, "")
	assert.Equal(t, device.GetAttachCount(), uint(0), "attach device count should be 0")

	attached = dm.IsDeviceAttached(device.DeviceID())
	assert.False(t, attached)

	err = dm.RemoveDevice(device.DeviceID())
	assert.Nil(t, err)

	err = dm.RemoveDevice(device.DeviceID())
	assert.Equal(t, err, ErrDeviceNotExist, "")
}

func TestConcurrentAttachDistinctDevices(t *testing.T) {
	assert := assert.New(t)

	dm := NewDeviceManager(VirtioSCSI, nil)
	devReceiver := &api.MockDeviceReceiver{}

	const numDevices = 16
	ids := make([]string, 0, numDevices)
	for i := 0; i < numDevices; i++ {
		path := fmt.Sprintf("/dev/hd%c", 'a'+i)
		device, err := dm.NewDevice(config.DeviceInfo{
			HostPath:      path,
			ContainerPath: path,
			DevType:       "b",
			Major:         8,
			Minor:         int64(i),
		})
		assert.NoError(err)
		ids = append(ids, device.DeviceID())
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(dm.AttachDevice(context.Background(), id, devReceiver))
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		assert.True(dm.IsDeviceAttached(id))
		assert.NoError(dm.DetachDevice(context.Background(), id, devReceiver))
	}
}

func TestGetAllDevices(t *testing.T) {
	assert := assert.New(t)

	dm := NewDeviceManager(VirtioSCSI, nil)
	assert.Empty(dm.GetAllDevices())
	assert.Nil(dm.GetDeviceByID("missing"))

	path := "/dev/hda"
	device, err := dm.NewDevice(config.DeviceInfo{
		HostPath:      path,
		ContainerPath: path,
		DevType:       "b",
	})
	assert.NoError(err)

	assert.Len(dm.GetAllDevices(), 1)
	assert.Equal(device, dm.GetDeviceByID(device.DeviceID()))
}

func TestLoadDevices(t *testing.T) {
	assert := assert.New(t)

	states := []config.DeviceState{
		{
			ID:          "block-state",
			Type:        string(config.DeviceBlock),
			AttachCount: 1,
			RefCount:    1,
			BlockDrive:  &config.BlockDrive{ID: "drive-block-state"},
		},
		{
			ID:          "vfio-state",
			Type:        string(config.DeviceVFIO),
			AttachCount: 1,
			RefCount:    1,
		},
		{
			ID:   "vsock-state",
			Type: string(config.DeviceVSock),
			VSockDev: &config.VSockDev{
				ID:        "vsock-state",
				ContextID: 5,
			},
		},
		{
			ID:   "unknown-state",
			Type: "no-such-driver",
		},
	}

	dm := NewDeviceManager(VirtioSCSI, nil)
	dm.LoadDevices(states)

	assert.Len(dm.GetAllDevices(), 3)
	assert.True(dm.IsDeviceAttached("block-state"))
	assert.False(dm.IsDeviceAttached("vsock-state"))
	assert.Nil(dm.GetDeviceByID("unknown-state"))
}

func TestIsVFIO(t *testing.T) {
	type testData struct {
		path     string
		expected bool
	}

	data := []testData{
		{"/dev/vfio/16", true},
		{"/dev/vfio/1", true},
		{"/dev/vfio/", false},
		{"/dev/vfio/vfio", false},
		{"/dev/vfio/vfio/12", false},
		{"/dev/tty", false},
	}

	for _, d := range data {
		assert.Equal(t, d.expected, isVFIO(d.path))
	}
}

func TestIsVSock(t *testing.T) {
	assert.True(t, isVSock("/dev/vhost-vsock"))
	assert.False(t, isVSock("/dev/vsock"))
	assert.False(t, isVSock(""))
}

func TestIsBlock(t *testing.T) {
	assert.True(t, isBlock(config.DeviceInfo{DevType: "b"}))
	assert.False(t, isBlock(config.DeviceInfo{DevType: "c"}))
}
