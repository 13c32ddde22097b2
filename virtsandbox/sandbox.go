// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtsandbox

import (
	"context"
	"fmt"
	"sync"

	multierror "github.com/hashicorp/go-multierror"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/sandboxvm/runtime/pkg/trace"
	"github.com/sandboxvm/runtime/virtsandbox/device/api"
	"github.com/sandboxvm/runtime/virtsandbox/device/config"
	"github.com/sandboxvm/runtime/virtsandbox/device/drivers"
	deviceManager "github.com/sandboxvm/runtime/virtsandbox/device/manager"
	"github.com/sandboxvm/runtime/virtsandbox/types"
)

// sandboxTracingTags defines tags for the trace span
var sandboxTracingTags = map[string]string{
	"subsystem": "sandbox",
}

const (
	// vmStartTimeout represents the time in seconds a sandbox can wait before
	// to consider the VM starting operation failed.
	vmStartTimeout = 10

	// maxBlockIndex is the maximum number of virtio-blk indexes handed
	// out for one sandbox.
	maxBlockIndex = 65535
)

var (
	// ErrSandboxClosing is returned by attach, detach and resize entry
	// points once sandbox teardown has begun.
	ErrSandboxClosing = errors.New("sandbox is closing")

	// ErrSandboxNotRunning is returned when an operation needs a started VM.
	ErrSandboxNotRunning = errors.New("sandbox is not running")
)

// SandboxConfig is a sandbox configuration.
type SandboxConfig struct {
	ID string

	HypervisorType   HypervisorType
	HypervisorConfig HypervisorConfig

	// NetworkModel tells how the tap side of a virtual endpoint is
	// connected to the VM.
	NetworkModel NetInterworkingModel

	// NetworkNSPath is the host network namespace the endpoints live in.
	NetworkNSPath string

	// NetworkNSCreated tells whether the network namespace was created
	// by us, and hence whether endpoint teardown must enter it.
	NetworkNSCreated bool

	// StaticResourceMgmt pins the VM sizing to the hypervisor defaults.
	StaticResourceMgmt bool
}

// valid checks the configuration is complete enough to create a sandbox.
func (sandboxConfig *SandboxConfig) valid() bool {
	if sandboxConfig.ID == "" {
		return false
	}

	if _, err := NewHypervisor(sandboxConfig.HypervisorType); err != nil {
		sandboxConfig.HypervisorType = QemuHypervisor
	}

	return true
}

// Storage records a block device attached to the VM, with the information
// the agent client needs to mount it inside the guest.
type Storage struct {
	Driver     string
	Source     string
	FSType     string
	Options    []string
	MountPoint string
}

// Sandbox is the shared handle to one pod VM. It owns the hypervisor,
// the device manager, the resource controller and the block index map,
// and implements api.DeviceReceiver.
type Sandbox struct {
	id string

	ctx    context.Context
	config *SandboxConfig

	hypervisor  Hypervisor
	devManager  api.DeviceManager
	resourceCtl *resourceController

	endpoints []Endpoint
	storages  []*Storage

	state types.SandboxState

	// mu guards state, endpoints, storages, the block index map and the
	// closing flag. It is never held across a hypervisor round trip.
	mu      sync.Mutex
	wg      sync.WaitGroup
	closing bool
}

// Logger returns a logrus logger appropriate for logging Sandbox messages
func (s *Sandbox) Logger() *logrus.Entry {
	return hvLogger.WithFields(logrus.Fields{
		"subsystem": "sandbox",
		"sandbox":   s.id,
	})
}

// ID returns the sandbox identifier string.
func (s *Sandbox) ID() string {
	return s.id
}

// GetHypervisorType is used for getting Hypervisor name currently used.
// Sandbox implements the DeviceReceiver interface from device/api/interface.go.
func (s *Sandbox) GetHypervisorType() string {
	return string(s.config.HypervisorType)
}

// NewSandbox creates the VM for the given configuration and wires the
// device manager and the resource controller around it. The VM is defined
// but not booted, see Start.
func NewSandbox(ctx context.Context, sandboxConfig SandboxConfig) (*Sandbox, error) {
	span, ctx := trace.Span(ctx, hvLogger, "NewSandbox", sandboxTracingTags, map[string]string{"sandbox_id": sandboxConfig.ID})
	defer span.End()

	if !sandboxConfig.valid() {
		return nil, fmt.Errorf("Invalid sandbox configuration")
	}

	hypervisor, err := NewHypervisor(sandboxConfig.HypervisorType)
	if err != nil {
		return nil, err
	}

	s := &Sandbox{
		id:         sandboxConfig.ID,
		ctx:        ctx,
		config:     &sandboxConfig,
		hypervisor: hypervisor,
		state: types.SandboxState{
			State:         types.StateReady,
			BlockIndexMap: make(map[int]struct{}),
		},
	}

	if err := hypervisor.CreateVM(ctx, s.id, &sandboxConfig.HypervisorConfig); err != nil {
		return nil, err
	}

	s.devManager = deviceManager.NewDeviceManager(sandboxConfig.HypervisorConfig.BlockDeviceDriver, nil)
	s.resourceCtl = newResourceController(s)

	return s, nil
}

// Start boots the VM.
func (s *Sandbox) Start(ctx context.Context) error {
	span, ctx := trace.Span(ctx, s.Logger(), "Start", sandboxTracingTags, map[string]string{"sandbox_id": s.id})
	defer span.End()

	if err := s.state.ValidTransition(types.StateReady, types.StateRunning); err != nil {
		return err
	}

	if err := s.hypervisor.StartVM(ctx, vmStartTimeout); err != nil {
		return err
	}

	s.mu.Lock()
	s.state.State = types.StateRunning
	s.mu.Unlock()

	return nil
}

// Stop tears the sandbox down. New attach, detach and resize requests are
// rejected with ErrSandboxClosing as soon as teardown begins; in-flight
// hypervisor calls are drained before the VM is stopped.
func (s *Sandbox) Stop(ctx context.Context, waitOnly bool) error {
	span, ctx := trace.Span(ctx, s.Logger(), "Stop", sandboxTracingTags, map[string]string{"sandbox_id": s.id})
	defer span.End()

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrSandboxClosing
	}
	s.closing = true
	s.state.State = types.StateStopping
	s.mu.Unlock()

	s.wg.Wait()

	// Keep going on failure so a dead VMM still gets its resources
	// cleaned up, and report everything that went wrong.
	var errs *multierror.Error
	if err := s.hypervisor.StopVM(ctx, waitOnly); err != nil {
		errs = multierror.Append(errs, err)
	}

	s.mu.Lock()
	s.state.State = types.StateStopped
	s.mu.Unlock()

	s.hypervisor.Disconnect(ctx)
	if err := s.hypervisor.Cleanup(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// enter registers one in-flight hypervisor operation, failing fast when
// the sandbox is on its way down.
func (s *Sandbox) enter() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrSandboxClosing
	}
	s.wg.Add(1)
	return nil
}

func (s *Sandbox) leave() {
	s.wg.Done()
}

// AddDevice hands a device description to the device manager and attaches
// the resulting device to the VM. Both steps are rolled back on failure.
func (s *Sandbox) AddDevice(ctx context.Context, info config.DeviceInfo) (api.Device, error) {
	if s.devManager == nil {
		return nil, fmt.Errorf("device manager isn't initialized")
	}

	if err := s.enter(); err != nil {
		return nil, err
	}
	defer s.leave()

	var err error
	add, err := s.devManager.NewDevice(info)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.devManager.RemoveDevice(add.DeviceID())
		}
	}()

	if err = s.devManager.AttachDevice(ctx, add.DeviceID(), s); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.devManager.DetachDevice(ctx, add.DeviceID(), s)
		}
	}()

	if add.DeviceType() == config.DeviceBlock {
		s.appendStorage(add)
	}

	return add, nil
}

// RemoveDevice detaches the device with the given ID from the VM and
// drops one reference to it.
func (s *Sandbox) RemoveDevice(ctx context.Context, id string) error {
	if s.devManager == nil {
		return fmt.Errorf("device manager isn't initialized")
	}

	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	if err := s.devManager.DetachDevice(ctx, id, s); err != nil {
		return err
	}

	return s.devManager.RemoveDevice(id)
}

// appendStorage records the guest mount information of an attached block
// device so the agent client can mount it.
func (s *Sandbox) appendStorage(device api.Device) {
	drive, ok := device.GetDeviceInfo().(*config.BlockDrive)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.storages = append(s.storages, &Storage{
		Driver:     s.config.HypervisorConfig.BlockDeviceDriver,
		Source:     drive.VirtPath,
		FSType:     drive.Format,
		MountPoint: drive.VirtPath,
	})
}

// Storages returns the mount records of the block devices attached so far.
func (s *Sandbox) Storages() []*Storage {
	s.mu.Lock()
	defer s.mu.Unlock()
	storages := make([]*Storage, len(s.storages))
	copy(storages, s.storages)
	return storages
}

// HotplugAddDevice is used for adding a device to the sandbox.
// Sandbox implements the DeviceReceiver interface from device/api/interface.go.
func (s *Sandbox) HotplugAddDevice(ctx context.Context, device api.Device, devType config.DeviceType) error {
	span, ctx := trace.Span(ctx, s.Logger(), "HotplugAddDevice", sandboxTracingTags, map[string]string{"sandbox_id": s.id})
	defer span.End()

	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	switch devType {
	case config.DeviceVFIO:
		vfioDevices, ok := device.GetDeviceInfo().([]*config.VFIODev)
		if !ok {
			return fmt.Errorf("device type mismatch, expect device type to be %s", devType)
		}

		// adding a group of VFIO devices
		for _, dev := range vfioDevices {
			if _, err := s.hypervisor.HotplugAddDevice(ctx, dev, VfioDev); err != nil {
				s.Logger().
					WithFields(logrus.Fields{
						"vfio-device-ID":  dev.ID,
						"vfio-device-BDF": dev.BDF,
					}).WithError(err).Error("failed to hotplug VFIO device")
				return err
			}
		}
		return nil
	case config.DeviceBlock:
		blockDevice, ok := device.(*drivers.BlockDevice)
		if !ok {
			return fmt.Errorf("device type mismatch, expect device type to be %s", devType)
		}
		_, err := s.hypervisor.HotplugAddDevice(ctx, blockDevice.BlockDrive, BlockDev)
		return err
	case config.DeviceVSock:
		vsockDevice, ok := device.(*drivers.VSockDevice)
		if !ok {
			return fmt.Errorf("device type mismatch, expect device type to be %s", devType)
		}
		_, err := s.hypervisor.HotplugAddDevice(ctx, vsockDevice.VSockDev, VSockPCIDev)
		return err
	case config.DeviceGeneric:
		return nil
	}
	return nil
}

// HotplugRemoveDevice is used for removing a device from the sandbox.
// Sandbox implements the DeviceReceiver interface from device/api/interface.go.
func (s *Sandbox) HotplugRemoveDevice(ctx context.Context, device api.Device, devType config.DeviceType) error {
	span, ctx := trace.Span(ctx, s.Logger(), "HotplugRemoveDevice", sandboxTracingTags, map[string]string{"sandbox_id": s.id})
	defer span.End()

	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	switch devType {
	case config.DeviceVFIO:
		vfioDevices, ok := device.GetDeviceInfo().([]*config.VFIODev)
		if !ok {
			return fmt.Errorf("device type mismatch, expect device type to be %s", devType)
		}

		// remove a group of VFIO devices
		for _, dev := range vfioDevices {
			if _, err := s.hypervisor.HotplugRemoveDevice(ctx, dev, VfioDev); err != nil {
				s.Logger().WithError(err).
					WithFields(logrus.Fields{
						"vfio-device-ID":  dev.ID,
						"vfio-device-BDF": dev.BDF,
					}).Error("failed to hot unplug VFIO device")
				return err
			}
		}
		return nil
	case config.DeviceBlock:
		blockDrive, ok := device.GetDeviceInfo().(*config.BlockDrive)
		if !ok {
			return fmt.Errorf("device type mismatch, expect device type to be %s", devType)
		}
		// PMEM devices cannot be hot removed
		if blockDrive.Pmem {
			s.Logger().WithField("path", blockDrive.File).Infof("Skip device: cannot hot remove PMEM devices")
			return nil
		}
		_, err := s.hypervisor.HotplugRemoveDevice(ctx, blockDrive, BlockDev)
		return err
	case config.DeviceVSock:
		vsockDev, ok := device.GetDeviceInfo().(*config.VSockDev)
		if !ok {
			return fmt.Errorf("device type mismatch, expect device type to be %s", devType)
		}
		_, err := s.hypervisor.HotplugRemoveDevice(ctx, vsockDev, VSockPCIDev)
		return err
	case config.DeviceGeneric:
		return nil
	}
	return nil
}

// GetAndSetSandboxBlockIndex is used for getting and setting virtio-block indexes.
// Sandbox implements the DeviceReceiver interface from device/api/interface.go.
func (s *Sandbox) GetAndSetSandboxBlockIndex() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	currentIndex := -1
	for i := 0; i < maxBlockIndex; i++ {
		if _, ok := s.state.BlockIndexMap[i]; !ok {
			currentIndex = i
			break
		}
	}
	if currentIndex == -1 {
		return -1, errors.New("no available block index")
	}
	s.state.BlockIndexMap[currentIndex] = struct{}{}

	return currentIndex, nil
}

// UnsetSandboxBlockIndex frees a virtio-block index, making it available
// for the next block device. This is also used to recover from a failure
// while adding a block device.
// Sandbox implements the DeviceReceiver interface from device/api/interface.go.
func (s *Sandbox) UnsetSandboxBlockIndex(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.state.BlockIndexMap, index)
	return nil
}

// GetVfioDeviceGuestPciPath returns a device's guest PCI path by its host BDF
func (s *Sandbox) GetVfioDeviceGuestPciPath(hostBDF string) types.PciPath {
	devices := s.devManager.GetAllDevices()
	for _, device := range devices {
		switch device.DeviceType() {
		case config.DeviceVFIO:
			vfioDevices, ok := device.GetDeviceInfo().([]*config.VFIODev)
			if !ok {
				continue
			}
			for _, vfioDev := range vfioDevices {
				if vfioDev.BDF == hostBDF {
					return vfioDev.GuestPciPath
				}
			}
		default:
			continue
		}
	}

	return types.PciPath{}
}

// AddEndpoint builds the endpoint matching the given interface description
// and hot attaches it to the VM.
func (s *Sandbox) AddEndpoint(ctx context.Context, netInfo NetworkInfo) (Endpoint, error) {
	span, ctx := trace.Span(ctx, s.Logger(), "AddEndpoint", sandboxTracingTags, map[string]string{"sandbox_id": s.id})
	defer span.End()

	s.mu.Lock()
	idx := len(s.endpoints)
	s.mu.Unlock()

	endpoint, err := createEndpoint(netInfo, idx, s.config.NetworkModel)
	if err != nil {
		return nil, err
	}
	endpoint.SetProperties(netInfo)

	if err := endpoint.HotAttach(ctx, s); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.endpoints = append(s.endpoints, endpoint)
	s.mu.Unlock()

	return endpoint, nil
}

// RemoveEndpoint hot detaches the endpoint by name and drops it from the
// sandbox.
func (s *Sandbox) RemoveEndpoint(ctx context.Context, name string) error {
	span, ctx := trace.Span(ctx, s.Logger(), "RemoveEndpoint", sandboxTracingTags, map[string]string{"sandbox_id": s.id})
	defer span.End()

	s.mu.Lock()
	idx := -1
	var endpoint Endpoint
	for i, ep := range s.endpoints {
		if ep.Name() == name {
			idx = i
			endpoint = ep
			break
		}
	}
	s.mu.Unlock()

	if idx == -1 {
		return fmt.Errorf("Endpoint %s not found", name)
	}

	if err := endpoint.HotDetach(ctx, s, s.config.NetworkNSCreated, s.config.NetworkNSPath); err != nil {
		return err
	}

	s.mu.Lock()
	s.endpoints = append(s.endpoints[:idx], s.endpoints[idx+1:]...)
	s.mu.Unlock()

	return nil
}

// Endpoints returns the endpoints attached to the sandbox.
func (s *Sandbox) Endpoints() []Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	endpoints := make([]Endpoint, len(s.endpoints))
	copy(endpoints, s.endpoints)
	return endpoints
}

// createEndpoint picks the endpoint driver matching the incoming interface:
// physical NICs get passed through, tuntap links get a plain tap endpoint,
// everything else is treated as a virtual (veth) endpoint backed by a
// network pair.
func createEndpoint(netInfo NetworkInfo, idx int, model NetInterworkingModel) (Endpoint, error) {
	var endpoint Endpoint

	// Do not create a tap interface for a physical interface, it is
	// passed through as a whole.
	isPhysical, err := isPhysicalIface(netInfo.Iface.Name)
	if err != nil {
		return nil, err
	}

	if isPhysical {
		hvLogger.WithField("interface", netInfo.Iface.Name).Info("Physical network interface found")
		return createPhysicalEndpoint(netInfo)
	}

	if netInfo.Iface.Type == (&netlink.Tuntap{}).Type() {
		endpoint, err = createTapNetworkEndpoint(idx, netInfo.Iface.Name)
	} else {
		endpoint, err = createVethNetworkEndpoint(idx, netInfo.Iface.Name, model)
	}

	return endpoint, err
}

// UpdateResources recomputes the aggregate CPU and memory requirement of
// the sandbox after a container level change and resizes the VM.
func (s *Sandbox) UpdateResources(ctx context.Context, containerID string, resources *specs.LinuxResources, op ResourceOp) error {
	if s.config.StaticResourceMgmt {
		s.Logger().Debug("no resources updated: static resource management is set")
		return nil
	}

	if err := s.enter(); err != nil {
		return err
	}
	defer s.leave()

	return s.resourceCtl.Update(ctx, containerID, resources, op)
}
