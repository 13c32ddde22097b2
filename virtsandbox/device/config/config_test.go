// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetHostPathEmptyContainerPath(t *testing.T) {
	assert := assert.New(t)

	_, err := GetHostPath(DeviceInfo{})
	assert.Error(err)
}

func TestGetHostPathFromUevent(t *testing.T) {
	assert := assert.New(t)

	savedSysDevPrefix := SysDevPrefix
	defer func() {
		SysDevPrefix = savedSysDevPrefix
	}()
	SysDevPrefix = t.TempDir()

	devInfo := DeviceInfo{
		ContainerPath: "/dev/testdev",
		DevType:       "b",
		Major:         252,
		Minor:         3,
	}

	sysDevPath := filepath.Join(SysDevPrefix, "block", "252:3")
	assert.NoError(os.MkdirAll(sysDevPath, 0o755))

	uevent := "MAJOR=252\nMINOR=3\nDEVNAME=sandbox/testdev\n"
	assert.NoError(os.WriteFile(filepath.Join(sysDevPath, "uevent"), []byte(uevent), 0o644))

	path, err := GetHostPath(devInfo)
	assert.NoError(err)
	assert.Equal("/dev/sandbox/testdev", path)
}

func TestGetHostPathNoSysfsEntry(t *testing.T) {
	assert := assert.New(t)

	savedSysDevPrefix := SysDevPrefix
	defer func() {
		SysDevPrefix = savedSysDevPrefix
	}()
	SysDevPrefix = t.TempDir()

	// /dev/fuse style devices have no /sys/dev entry, the container
	// path is passed through untouched.
	devInfo := DeviceInfo{
		ContainerPath: "/dev/fuse",
		DevType:       "c",
		Major:         10,
		Minor:         229,
	}

	path, err := GetHostPath(devInfo)
	assert.NoError(err)
	assert.Equal("/dev/fuse", path)
}

func TestGetSysDevPathImpl(t *testing.T) {
	assert := assert.New(t)

	devInfo := DeviceInfo{
		DevType: "b",
		Major:   252,
		Minor:   3,
	}
	assert.Equal(filepath.Join(SysDevPrefix, "block", "252:3"), getSysDevPathImpl(devInfo))

	devInfo.DevType = "c"
	assert.Equal(filepath.Join(SysDevPrefix, "char", "252:3"), getSysDevPathImpl(devInfo))

	devInfo.DevType = "p"
	assert.Equal("", getSysDevPathImpl(devInfo))
}
