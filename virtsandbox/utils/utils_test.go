// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package utils

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReverseString(t *testing.T) {
	assert := assert.New(t)
	str := "Teststr"
	reversed := ReverseString(str)
	assert.Equal(reversed, "rtstseT")
}

func TestCleanupFds(t *testing.T) {
	assert := assert.New(t)

	tmpFile, err := os.CreateTemp("", "testFds1")
	assert.NoError(err)
	filename := tmpFile.Name()
	defer os.Remove(filename)

	numFds := 1
	fds := make([]*os.File, numFds)
	fds[0] = tmpFile

	CleanupFds(fds, 0)
	CleanupFds(fds, 1)
	CleanupFds(fds, 2)
}

func TestWriteToFile(t *testing.T) {
	assert := assert.New(t)

	err := WriteToFile("/file-does-not-exist", []byte("test-data"))
	assert.NotNil(err)

	tmpFile, err := os.CreateTemp("", "test_write_to_file")
	assert.NoError(err)

	path := tmpFile.Name()
	defer os.Remove(path)

	assert.NoError(tmpFile.Close())

	testData := []byte("test-data")
	err = WriteToFile(path, testData)
	assert.NoError(err)

	data, err := os.ReadFile(path)
	assert.NoError(err)
	assert.True(strings.Contains(string(data), string(testData)))
}

func TestCalculateMilliCPUs(t *testing.T) {
	assert := assert.New(t)

	n := CalculateMilliCPUs(1, 1)
	expected := uint32(1000)
	assert.Equal(n, expected)

	n = CalculateMilliCPUs(1, 0)
	expected = uint32(0)
	assert.Equal(n, expected)

	n = CalculateMilliCPUs(-1, 1)
	assert.Equal(n, expected)
}

func TestCalculateVCpusFromMilliCpus(t *testing.T) {
	assert := assert.New(t)

	n := CalculateVCpusFromMilliCpus(1)
	expected := uint32(1)
	assert.Equal(n, expected)

	n = CalculateVCpusFromMilliCpus(1500)
	expected = uint32(2)
	assert.Equal(n, expected)
}

func TestConstraintsToVCPUs(t *testing.T) {
	assert := assert.New(t)

	vcpus := ConstraintsToVCPUs(0, 100)
	assert.Zero(vcpus)

	vcpus = ConstraintsToVCPUs(100, 0)
	assert.Zero(vcpus)

	expectedVCPUs := uint(4)
	vcpus = ConstraintsToVCPUs(4000, 1000)
	assert.Equal(expectedVCPUs, vcpus)

	vcpus = ConstraintsToVCPUs(4000, 1200)
	assert.Equal(expectedVCPUs, vcpus)
}

func TestGetVirtDriveName(t *testing.T) {
	assert := assert.New(t)
	tests := []struct {
		index         int
		expectedDrive string
	}{
		{0, "vda"},
		{25, "vdz"},
		{27, "vdab"},
		{704, "vdaac"},
		{18277, "vdzzz"},
	}

	for _, test := range tests {
		driveName, err := GetVirtDriveName(test.index)
		assert.NoError(err)
		assert.Equal(driveName, test.expectedDrive)
	}

	_, err := GetVirtDriveName(-1)
	assert.Error(err)
}

func TestGetSCSIIdLun(t *testing.T) {
	assert := assert.New(t)

	tests := []struct {
		index          int
		expectedScsiID int
		expectedLun    int
	}{
		{0, 0, 0},
		{1, 0, 1},
		{255, 0, 255},
		{256, 1, 0},
		{257, 1, 1},
		{258, 1, 2},
		{512, 2, 0},
	}

	for _, test := range tests {
		scsiID, lun, err := GetSCSIIdLun(test.index)
		assert.NoError(err)
		assert.Equal(scsiID, test.expectedScsiID)
		assert.Equal(lun, test.expectedLun)
	}

	_, _, err := GetSCSIIdLun(-1)
	assert.Error(err)
	_, _, err = GetSCSIIdLun(maxSCSIDevices + 1)
	assert.Error(err)
}

func TestGetSCSIAddress(t *testing.T) {
	assert := assert.New(t)
	tests := []struct {
		index               int
		expectedSCSIAddress string
	}{
		{0, "0:0"},
		{200, "0:200"},
		{255, "0:255"},
		{258, "1:2"},
		{512, "2:0"},
	}

	for _, test := range tests {
		scsiAddr, err := GetSCSIAddress(test.index)
		assert.NoError(err)
		assert.Equal(scsiAddr, test.expectedSCSIAddress)
	}
}

func TestMakeNameID(t *testing.T) {
	assert := assert.New(t)

	nameID := MakeNameID("testType", "testID", 14)
	expected := "testType-testI"
	assert.Equal(expected, nameID)
}

func TestBuildSocketPath(t *testing.T) {
	assert := assert.New(t)

	type testData struct {
		elems    []string
		valid    bool
		expected string
	}

	longPath := strings.Repeat("/a", 106/2)
	longNamePrefix := strings.Repeat("a", 16)

	data := []testData{
		{[]string{""}, false, ""},

		{[]string{"a"}, true, "a"},
		{[]string{"/a"}, true, "/a"},
		{[]string{"a", "b", "c"}, true, "a/b/c"},
		{[]string{"a", "/b", "c"}, true, "a/b/c"},

		{[]string{longPath}, true, longPath},
		{[]string{longNamePrefix + longNamePrefix}, false, ""},
	}

	for i, d := range data {
		result, err := BuildSocketPath(d.elems...)
		msg := fmt.Sprintf("test %d, data %+v", i, d)

		if d.valid {
			assert.NoError(err, msg)
			assert.Equal(d.expected, result, msg)
		} else {
			assert.Error(err, msg)
		}
	}
}

func TestAlignMem(t *testing.T) {
	assert := assert.New(t)

	m := MemUnit(1024) * MiB
	blockSize := MemUnit(256) * MiB
	assert.Equal(m, m.AlignMem(blockSize))

	m = MemUnit(100) * MiB
	assert.Equal(MemUnit(256)*MiB, m.AlignMem(blockSize))

	m = MemUnit(1000) * MiB
	assert.Equal(MemUnit(1024)*MiB, m.AlignMem(blockSize))
}

func TestMemUnitConversions(t *testing.T) {
	assert := assert.New(t)

	m := MemUnit(2) * GiB
	assert.Equal(uint64(2048), m.ToMiB())
	assert.Equal(uint64(2<<30), m.ToBytes())
}

func TestIsAPVFIOMediatedDevice(t *testing.T) {
	assert := assert.New(t)

	assert.True(IsAPVFIOMediatedDevice("/sys/devices/vfio_ap/matrix/012y3456-7890-abcd-ef01-23456789abcd"))
	assert.False(IsAPVFIOMediatedDevice("/sys/bus/pci/devices/0000:00:02.0"))
	assert.False(IsAPVFIOMediatedDevice(""))
}
