// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package manager

import (
	"path/filepath"
	"strings"

	"github.com/sandboxvm/runtime/virtsandbox/device/config"
)

const (
	vfioPath = "/dev/vfio/"

	vhostVsockPath = "/dev/vhost-vsock"
)

// isVFIO checks if the device provided is a vfio group.
func isVFIO(hostPath string) bool {
	// Ignore /dev/vfio/vfio character device
	if strings.HasPrefix(hostPath, filepath.Join(vfioPath, "vfio")) {
		return false
	}

	if strings.HasPrefix(hostPath, vfioPath) && len(hostPath) > len(vfioPath) {
		return true
	}

	return false
}

// isVSock checks if the device is the vhost-vsock node.
func isVSock(hostPath string) bool {
	return hostPath == vhostVsockPath
}

// isBlock checks if the device is a block device.
func isBlock(devInfo config.DeviceInfo) bool {
	return devInfo.DevType == "b"
}
