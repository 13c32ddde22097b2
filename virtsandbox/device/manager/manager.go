// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package manager

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sandboxvm/runtime/virtsandbox/device/api"
	"github.com/sandboxvm/runtime/virtsandbox/device/config"
	"github.com/sandboxvm/runtime/virtsandbox/device/drivers"
)

const (
	// VirtioMmio indicates block driver is virtio-mmio based
	VirtioMmio string = config.VirtioMmio
	// VirtioBlock indicates block driver is virtio-blk based
	VirtioBlock string = config.VirtioBlock
	// VirtioBlockCCW indicates block driver is virtio-blk-ccw based
	VirtioBlockCCW string = config.VirtioBlockCCW
	// VirtioSCSI indicates block driver is virtio-scsi based
	VirtioSCSI string = config.VirtioSCSI
	// Nvdimm indicates block driver is nvdimm based
	Nvdimm string = config.Nvdimm
)

var (
	// ErrIDExhausted represents that devices are too many
	// and no more IDs can be generated
	ErrIDExhausted = errors.New("IDs are exhausted")
	// ErrDeviceNotExist represents device with specified ID doesn't exist
	ErrDeviceNotExist = errors.New("device with specified ID doesn't exist")
	// ErrDeviceAttached represents the device is attached
	ErrDeviceAttached = errors.New("device is attached")
	// ErrDeviceNotAttached represents the device isn't attached
	ErrDeviceNotAttached = errors.New("device isn't attached")
	// ErrRemoveAttachedDevice represents the device isn't detached
	// so not allow to remove
	ErrRemoveAttachedDevice = errors.New("can't remove attached device")
)

// deviceEntry pairs a device with the mutex serializing its lifecycle
// transitions. The mutex is held for the whole attach or detach, so two
// requests for the same device never interleave while requests for
// different devices proceed in parallel.
type deviceEntry struct {
	device api.Device
	sync.Mutex
}

type deviceManager struct {
	blockDriver string
	devices     map[string]*deviceEntry
	sync.RWMutex
}

func deviceManagerLogger() *logrus.Entry {
	return api.DeviceLogger().WithField("subsystem", "device")
}

// NewDeviceManager creates a deviceManager object behaved as api.DeviceManager
func NewDeviceManager(blockDriver string, devices []api.Device) api.DeviceManager {
	dm := &deviceManager{
		devices: make(map[string]*deviceEntry),
	}
	switch blockDriver {
	case VirtioMmio, VirtioBlock, VirtioBlockCCW, Nvdimm:
		dm.blockDriver = blockDriver
	default:
		dm.blockDriver = VirtioSCSI
	}

	for _, dev := range devices {
		dm.devices[dev.DeviceID()] = &deviceEntry{device: dev}
	}

	return dm
}

func (dm *deviceManager) findDeviceByMajorMinor(major, minor int64) api.Device {
	for _, entry := range dm.devices {
		dmajor, dminor := entry.device.GetMajorMinor()
		if dmajor == major && dminor == minor {
			return entry.device
		}
	}
	return nil
}

func (dm *deviceManager) newDeviceID() (string, error) {
	for i := 0; i < 5; i++ {
		// generate an random ID
		randID := uuid.New().String()

		// check ID uniqueness
		if _, ok := dm.devices[randID]; !ok {
			return randID, nil
		}
	}
	return "", ErrIDExhausted
}

func (dm *deviceManager) createDevice(devInfo config.DeviceInfo) (dev api.Device, err error) {
	path, err := config.GetHostPathFunc(devInfo)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err == nil {
			dev.Reference()
		}
	}()

	if existingDev := dm.findDeviceByMajorMinor(devInfo.Major, devInfo.Minor); existingDev != nil {
		return existingDev, nil
	}

	// device ID must be generated by manager instead of device itself
	// in case of ID collision
	if devInfo.ID, err = dm.newDeviceID(); err != nil {
		return nil, err
	}

	devInfo.HostPath = path
	if isVFIO(path) {
		return drivers.NewVFIODevice(&devInfo), nil
	} else if isVSock(path) {
		return drivers.NewVSockDevice(&devInfo), nil
	} else if isBlock(devInfo) {
		if devInfo.DriverOptions == nil {
			devInfo.DriverOptions = make(map[string]string)
		}
		devInfo.DriverOptions[config.BlockDriverOpt] = dm.blockDriver
		return drivers.NewBlockDevice(&devInfo), nil
	} else {
		deviceManagerLogger().WithField("device", path).Info("Device has not been passed to the container")
		return drivers.NewGenericDevice(&devInfo), nil
	}
}

// NewDevice creates a device based on specified DeviceInfo
func (dm *deviceManager) NewDevice(devInfo config.DeviceInfo) (dev api.Device, err error) {
	dm.Lock()
	defer dm.Unlock()

	dev, err = dm.createDevice(devInfo)
	if err == nil {
		if _, ok := dm.devices[dev.DeviceID()]; !ok {
			dm.devices[dev.DeviceID()] = &deviceEntry{device: dev}
		}
	}
	return dev, err
}

// RemoveDevice drops the device with specified ID from the manager.
// A device still attached to the guest cannot be removed.
func (dm *deviceManager) RemoveDevice(id string) error {
	dm.Lock()
	defer dm.Unlock()
	entry, ok := dm.devices[id]
	if !ok {
		return ErrDeviceNotExist
	}

	entry.Lock()
	defer entry.Unlock()
	if entry.device.GetAttachCount() > 0 {
		return ErrRemoveAttachedDevice
	}

	if entry.device.Dereference() == 0 {
		delete(dm.devices, id)
	}
	return nil
}

func (dm *deviceManager) lookupDevice(id string) (*deviceEntry, error) {
	dm.RLock()
	defer dm.RUnlock()
	entry, ok := dm.devices[id]
	if !ok {
		return nil, ErrDeviceNotExist
	}
	return entry, nil
}

// AttachDevice attaches the device with the specified ID to the receiver.
// Attaches of the same ID are serialized against each other and against
// detaches, while different devices attach in parallel.
func (dm *deviceManager) AttachDevice(ctx context.Context, id string, dr api.DeviceReceiver) error {
	entry, err := dm.lookupDevice(id)
	if err != nil {
		return err
	}

	entry.Lock()
	defer entry.Unlock()
	return entry.device.Attach(ctx, dr)
}

// DetachDevice detaches the device with the specified ID from the receiver.
func (dm *deviceManager) DetachDevice(ctx context.Context, id string, dr api.DeviceReceiver) error {
	entry, err := dm.lookupDevice(id)
	if err != nil {
		return err
	}

	entry.Lock()
	defer entry.Unlock()
	if entry.device.GetAttachCount() == 0 {
		return ErrDeviceNotAttached
	}
	return entry.device.Detach(ctx, dr)
}

// FindDevice finds a managed device matching the major and minor numbers
// of the given device information, nil when no device matches.
func (dm *deviceManager) FindDevice(devInfo *config.DeviceInfo) api.Device {
	dm.RLock()
	defer dm.RUnlock()
	return dm.findDeviceByMajorMinor(devInfo.Major, devInfo.Minor)
}

// GetDeviceByID returns the device with the specified ID, nil when unknown
func (dm *deviceManager) GetDeviceByID(id string) api.Device {
	dm.RLock()
	defer dm.RUnlock()
	if entry, ok := dm.devices[id]; ok {
		return entry.device
	}
	return nil
}

// GetAllDevices returns all of the managed devices
func (dm *deviceManager) GetAllDevices() []api.Device {
	dm.RLock()
	defer dm.RUnlock()
	devices := []api.Device{}
	for _, entry := range dm.devices {
		devices = append(devices, entry.device)
	}
	return devices
}

// IsDeviceAttached checks whether the device with the specified ID is
// attached to the guest
func (dm *deviceManager) IsDeviceAttached(id string) bool {
	entry, err := dm.lookupDevice(id)
	if err != nil {
		return false
	}
	entry.Lock()
	defer entry.Unlock()
	return entry.device.GetAttachCount() > 0
}

// LoadDevices loads devices from saved state
func (dm *deviceManager) LoadDevices(devStates []config.DeviceState) {
	dm.Lock()
	defer dm.Unlock()

	for _, ds := range devStates {
		var dev api.Device

		switch config.DeviceType(ds.Type) {
		case config.DeviceVFIO:
			dev = &drivers.VFIODevice{}
		case config.DeviceBlock:
			dev = &drivers.BlockDevice{}
		case config.DeviceVSock:
			dev = &drivers.VSockDevice{}
		case config.DeviceGeneric:
			dev = &drivers.GenericDevice{}
		default:
			deviceManagerLogger().WithField("device-type", ds.Type).Warning("unrecognized device type is detected")
			continue
		}

		dev.Load(ds)
		dm.devices[dev.DeviceID()] = &deviceEntry{device: dev}
	}
}
