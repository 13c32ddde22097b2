// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtsandbox

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sandboxvm/runtime/virtsandbox/types"
)

func TestTopologyAddRemoveDevice(t *testing.T) {
	assert := assert.New(t)

	tp := newTopology(types.PCI, 1)

	addr, b, err := tp.addDeviceToBridge(context.Background(), "dev-1", types.PCI)
	assert.NoError(err)
	assert.Equal(types.PCI, b.Type)
	assert.NotZero(addr)

	// no CCW bridge exists
	_, _, err = tp.addDeviceToBridge(context.Background(), "dev-2", types.CCW)
	assert.Error(err)

	assert.NoError(tp.removeDeviceFromBridge("dev-1"))
	assert.Error(tp.removeDeviceFromBridge("dev-1"))
}

func TestTopologyNoDoubleAllocation(t *testing.T) {
	assert := assert.New(t)

	tp := newTopology(types.PCI, 2)

	seen := make(map[string]bool)
	for i := 0; i < 2*types.PCIBridgeMaxCapacity; i++ {
		addr, b, err := tp.addDeviceToBridge(context.Background(), fmt.Sprintf("dev-%d", i), types.PCI)
		assert.NoError(err)

		key := fmt.Sprintf("%s/%d", b.ID, addr)
		assert.False(seen[key], "address %s allocated twice", key)
		seen[key] = true
	}

	// all slots taken
	_, _, err := tp.addDeviceToBridge(context.Background(), "overflow", types.PCI)
	assert.ErrorIs(err, ErrBridgeSlotsExhausted)

	// freeing one slot allows exactly one new device
	assert.NoError(tp.removeDeviceFromBridge("dev-0"))
	_, _, err = tp.addDeviceToBridge(context.Background(), "overflow", types.PCI)
	assert.NoError(err)
}

func TestTopologyConcurrentAllocation(t *testing.T) {
	assert := assert.New(t)

	tp := newTopology(types.PCI, 1)

	const workers = 20
	results := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr, b, err := tp.addDeviceToBridge(context.Background(), fmt.Sprintf("dev-%d", i), types.PCI)
			assert.NoError(err)
			results <- fmt.Sprintf("%s/%d", b.ID, addr)
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for key := range results {
		assert.False(seen[key], "address %s allocated twice", key)
		seen[key] = true
	}
	assert.Len(seen, workers)
}

func TestTopologyEmpty(t *testing.T) {
	assert := assert.New(t)

	tp := newTopology(types.PCI, 0)
	_, _, err := tp.addDeviceToBridge(context.Background(), "dev-1", types.PCI)
	assert.Error(err)
}
