// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package types

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// StateString is a string representing a sandbox state.
type StateString string

const (
	// StateReady represents a sandbox that is ready to be run.
	StateReady StateString = "ready"

	// StateRunning represents a sandbox that is currently running.
	StateRunning StateString = "running"

	// StateStopped represents a sandbox that has been stopped.
	StateStopped StateString = "stopped"

	// StateStopping represents a sandbox whose teardown has begun. New
	// device or resize requests are rejected in this state.
	StateStopping StateString = "stopping"
)

const (
	HybridVSockScheme = "hvsock"
	VSockScheme       = "vsock"
)

// SandboxState is a sandbox state structure.
type SandboxState struct {
	State StateString `json:"state"`

	// GuestMemoryBlockSizeMB is the size of memory block of the guest OS.
	GuestMemoryBlockSizeMB uint32 `json:"guestMemoryBlockSize"`

	// GuestMemoryHotplugProbe determines whether the guest kernel supports
	// memory hotplug via the probe interface.
	GuestMemoryHotplugProbe bool `json:"guestMemoryHotplugProbe"`

	// BlockIndexMap marks which virtio-blk indexes are in use.
	BlockIndexMap map[int]struct{} `json:"blockIndexMap"`
}

// Valid checks that the sandbox state is valid.
func (state *SandboxState) Valid() bool {
	return state.State.valid()
}

// ValidTransition returns an error if we want to move to
// an unreachable state.
func (state *SandboxState) ValidTransition(oldState StateString, newState StateString) error {
	return state.State.validTransition(oldState, newState)
}

func (state *StateString) valid() bool {
	for _, validState := range []StateString{StateReady, StateRunning, StateStopping, StateStopped} {
		if *state == validState {
			return true
		}
	}

	return false
}

func (state *StateString) validTransition(oldState StateString, newState StateString) error {
	if *state != oldState {
		return fmt.Errorf("Invalid state %v (Expecting %v)", state, oldState)
	}

	switch *state {
	case StateReady:
		if newState == StateRunning || newState == StateStopped {
			return nil
		}

	case StateRunning:
		if newState == StateStopping || newState == StateStopped {
			return nil
		}

	case StateStopping:
		if newState == StateStopped {
			return nil
		}

	case StateStopped:
		if newState == StateRunning {
			return nil
		}
	}

	return fmt.Errorf("Can not move from %s to %s", *state, newState)
}

// VSock defines a virtio-socket to communicate between the host and the
// guest agent.
type VSock struct {
	VhostFd   *os.File `json:"-"`
	ContextID uint64
	Port      uint32
}

func (s *VSock) String() string {
	return fmt.Sprintf("%s://%d:%d", VSockScheme, s.ContextID, s.Port)
}

// HybridVSock defines a hybrid vsock, emulated by the hypervisor over a
// unix domain socket plus a port.
type HybridVSock struct {
	UdsPath string
	Port    uint32
}

func (s *HybridVSock) String() string {
	return fmt.Sprintf("%s://%s:%d", HybridVSockScheme, s.UdsPath, s.Port)
}

// SocketAddress parses a vsock or hybrid vsock URI produced by String().
func SocketAddress(addr string) (interface{}, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case VSockScheme:
		cidAndPort := strings.SplitN(u.Host, ":", 2)
		if len(cidAndPort) != 2 {
			return nil, fmt.Errorf("Invalid vsock address %s", addr)
		}
		cid, err := strconv.ParseUint(cidAndPort[0], 10, 64)
		if err != nil {
			return nil, err
		}
		port, err := strconv.ParseUint(cidAndPort[1], 10, 32)
		if err != nil {
			return nil, err
		}
		return VSock{ContextID: cid, Port: uint32(port)}, nil
	case HybridVSockScheme:
		hostAndPort := strings.SplitN(u.Host+u.Path, ":", 2)
		if len(hostAndPort) != 2 {
			return nil, fmt.Errorf("Invalid hybrid vsock address %s", addr)
		}
		port, err := strconv.ParseUint(hostAndPort[1], 10, 32)
		if err != nil {
			return nil, err
		}
		return HybridVSock{UdsPath: hostAndPort[0], Port: uint32(port)}, nil
	default:
		return nil, fmt.Errorf("Unknown socket scheme %s", u.Scheme)
	}
}
