// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtsandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/sandboxvm/runtime/virtsandbox/types"
)

// ErrBridgeSlotsExhausted is returned when no bridge of the requested bus
// type has a free slot left for a new device.
var ErrBridgeSlotsExhausted = errors.New("no more bridge slots available")

// This is the PCI start address assigned to the first bridge that
// is plugged onto the root bus.
const bridgePCIStartAddr = 2

// topology tracks guest bus addresses handed out to hotplugged devices.
// A slot stays reserved until the device occupying it is removed, so two
// devices can never share an address.
type topology struct {
	bridges []types.Bridge
	sync.Mutex
}

// newTopology builds count bridges of the given bus type, addressed
// sequentially from the bridge start slot.
func newTopology(t types.Type, count uint32) *topology {
	var bridges []types.Bridge
	for i := uint32(0); i < count; i++ {
		bridges = append(bridges, types.NewBridge(t, fmt.Sprintf("%s-bridge-%d", t, i), make(map[uint32]string), bridgePCIStartAddr+int(i)))
	}
	return &topology{bridges: bridges}
}

// addDeviceToBridge reserves the first free slot for the device ID on a
// bridge of the requested type. It returns the slot address and the bridge
// the device landed on.
func (tp *topology) addDeviceToBridge(ctx context.Context, ID string, t types.Type) (uint32, types.Bridge, error) {
	tp.Lock()
	defer tp.Unlock()

	if len(tp.bridges) == 0 {
		return 0, types.Bridge{}, errors.New("failed to get available address from bridges")
	}

	// looking for an empty address in the bridges
	for i := range tp.bridges {
		b := &tp.bridges[i]
		if t != b.Type {
			continue
		}
		addr, err := b.AddDevice(ctx, ID)
		if err == nil {
			return addr, *b, nil
		}
	}

	return 0, types.Bridge{}, ErrBridgeSlotsExhausted
}

// removeDeviceFromBridge frees the slot the device ID occupies.
func (tp *topology) removeDeviceFromBridge(ID string) error {
	tp.Lock()
	defer tp.Unlock()

	var err error
	for i := range tp.bridges {
		err = tp.bridges[i].RemoveDevice(ID)
		if err == nil {
			// device was removed correctly
			return nil
		}
	}

	return err
}

func (tp *topology) getBridges() []types.Bridge {
	tp.Lock()
	defer tp.Unlock()

	bridges := make([]types.Bridge, len(tp.bridges))
	copy(bridges, tp.bridges)
	return bridges
}

func (tp *topology) setBridges(bridges []types.Bridge) {
	tp.Lock()
	defer tp.Unlock()
	tp.bridges = bridges
}
