// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package types

import (
	"fmt"
	"strconv"
)

// CCW bus IDs follow the format <xx>.<d>.<xxxx>, where <xx> is the channel
// subsystem ID (0 from the guest side), <d> the subchannel set ID (0-3) and
// <xxxx> the device number in hex.
const subchannelSetMax = 3

// CcwDevice is a CCW bus address as seen from the guest.
type CcwDevice struct {
	ssid  uint8
	devno uint16
}

func CcwDeviceFrom(ssid int, devno string) (CcwDevice, error) {
	if ssid < 0 || ssid > subchannelSetMax {
		return CcwDevice{}, fmt.Errorf("subchannel set ID %d should be in range [0..%d]", ssid, subchannelSetMax)
	}
	v, err := strconv.ParseUint(devno, 16, 16)
	if err != nil {
		return CcwDevice{}, fmt.Errorf("failed to parse %v as CCW device number: %v", devno, err)
	}
	return CcwDevice{ssid: uint8(ssid), devno: uint16(v)}, nil
}

func (dev CcwDevice) String() string {
	return fmt.Sprintf("0.%x.%04x", dev.ssid, dev.devno)
}
