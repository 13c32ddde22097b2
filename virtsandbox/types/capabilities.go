// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package types

const (
	blockDeviceSupport = 1 << iota
	blockDeviceHotplugSupport
	vfioDeviceHotplugSupport
	multiQueueSupport
	netDeviceHotplugSupport
	guestMemoryHotplugSupport
)

// Capabilities describes what the hypervisor backend can do.
type Capabilities struct {
	flags uint
}

// IsBlockDeviceSupported tells if an hypervisor supports block devices.
func (caps *Capabilities) IsBlockDeviceSupported() bool {
	return caps.flags&blockDeviceSupport != 0
}

// SetBlockDeviceSupport sets the block device support capability to true.
func (caps *Capabilities) SetBlockDeviceSupport() {
	caps.flags |= blockDeviceSupport
}

// IsBlockDeviceHotplugSupported tells if an hypervisor supports block device hotplug.
func (caps *Capabilities) IsBlockDeviceHotplugSupported() bool {
	return caps.flags&blockDeviceHotplugSupport != 0
}

// SetBlockDeviceHotplugSupport sets the block device hotplug capability to true.
func (caps *Capabilities) SetBlockDeviceHotplugSupport() {
	caps.flags |= blockDeviceHotplugSupport
}

// IsVFIODeviceHotplugSupported tells if an hypervisor supports VFIO device hotplug.
func (caps *Capabilities) IsVFIODeviceHotplugSupported() bool {
	return caps.flags&vfioDeviceHotplugSupport != 0
}

// SetVFIODeviceHotplugSupport sets the VFIO device hotplug capability to true.
func (caps *Capabilities) SetVFIODeviceHotplugSupport() {
	caps.flags |= vfioDeviceHotplugSupport
}

// IsMultiQueueSupported tells if an hypervisor supports device multi queue support.
func (caps *Capabilities) IsMultiQueueSupported() bool {
	return caps.flags&multiQueueSupport != 0
}

// SetMultiQueueSupport sets the multi queue capability to true.
func (caps *Capabilities) SetMultiQueueSupport() {
	caps.flags |= multiQueueSupport
}

// IsNetDeviceHotplugSupported tells if an hypervisor supports network device hotplug.
func (caps *Capabilities) IsNetDeviceHotplugSupported() bool {
	return caps.flags&netDeviceHotplugSupport != 0
}

// SetNetDeviceHotplugSupported sets the network device hotplug capability to true.
func (caps *Capabilities) SetNetDeviceHotplugSupported() {
	caps.flags |= netDeviceHotplugSupport
}

// IsGuestMemoryHotplugSupported tells if an hypervisor supports hotplugging guest memory.
func (caps *Capabilities) IsGuestMemoryHotplugSupported() bool {
	return caps.flags&guestMemoryHotplugSupport != 0
}

// SetGuestMemoryHotplugSupported sets the guest memory hotplug capability to true.
func (caps *Capabilities) SetGuestMemoryHotplugSupported() {
	caps.flags |= guestMemoryHotplugSupport
}
