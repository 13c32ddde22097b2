// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package drivers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sandboxvm/runtime/virtsandbox/device/config"
)

func TestBumpAttachCount(t *testing.T) {
	type testData struct {
		attachCount uint
		expectedAC  uint
		attach      bool
		expectSkip  bool
		expectErr   bool
	}

	data := []testData{
		{0, 1, true, false, false},
		{1, 2, true, true, false},
		{intMax, intMax, true, true, true},
		{0, 0, false, true, true},
		{1, 0, false, false, false},
		{intMax, intMax - 1, false, true, false},
	}

	dev := &GenericDevice{}
	for _, d := range data {
		dev.AttachCount = d.attachCount
		skip, err := dev.bumpAttachCount(d.attach)
		assert.Equal(t, skip, d.expectSkip, "")
		assert.Equal(t, dev.GetAttachCount(), d.expectedAC, "")
		if d.expectErr {
			assert.NotNil(t, err)
		} else {
			assert.Nil(t, err)
		}
	}
}

func TestGetHostPath(t *testing.T) {
	assert := assert.New(t)
	dev := &GenericDevice{}
	assert.Empty(dev.GetHostPath())

	expectedHostPath := "/dev/null"
	dev.DeviceInfo = &config.DeviceInfo{
		HostPath: expectedHostPath,
	}
	assert.Equal(expectedHostPath, dev.GetHostPath())
}

func TestGenericSaveLoad(t *testing.T) {
	assert := assert.New(t)

	dev := NewGenericDevice(&config.DeviceInfo{
		ID:      "generic-1",
		DevType: "c",
		Major:   10,
		Minor:   229,
	})
	dev.AttachCount = 2
	dev.RefCount = 3

	ds := dev.Save()
	assert.Equal("generic-1", ds.ID)
	assert.Equal(string(config.DeviceGeneric), ds.Type)

	loaded := &GenericDevice{}
	loaded.Load(ds)
	assert.Equal(dev.ID, loaded.ID)
	assert.Equal(dev.AttachCount, loaded.AttachCount)
	assert.Equal(dev.RefCount, loaded.RefCount)
	assert.Equal(dev.DeviceInfo.Major, loaded.DeviceInfo.Major)
	assert.Equal(dev.DeviceInfo.Minor, loaded.DeviceInfo.Minor)
}
