// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSandboxStateValid(t *testing.T) {
	assert := assert.New(t)

	for _, s := range []StateString{StateReady, StateRunning, StateStopping, StateStopped} {
		state := SandboxState{State: s}
		assert.True(state.Valid())
	}

	state := SandboxState{State: "fake"}
	assert.False(state.Valid())
}

func TestSandboxStateTransition(t *testing.T) {
	assert := assert.New(t)

	okTransitions := []struct {
		from StateString
		to   StateString
	}{
		{StateReady, StateRunning},
		{StateReady, StateStopped},
		{StateRunning, StateStopping},
		{StateRunning, StateStopped},
		{StateStopping, StateStopped},
		{StateStopped, StateRunning},
	}

	for _, tr := range okTransitions {
		state := SandboxState{State: tr.from}
		assert.NoError(state.ValidTransition(tr.from, tr.to))
	}

	badTransitions := []struct {
		from StateString
		to   StateString
	}{
		{StateReady, StateStopping},
		{StateStopped, StateStopping},
		{StateStopping, StateRunning},
	}

	for _, tr := range badTransitions {
		state := SandboxState{State: tr.from}
		assert.Error(state.ValidTransition(tr.from, tr.to))
	}

	// state must match the expected old state
	state := SandboxState{State: StateReady}
	assert.Error(state.ValidTransition(StateRunning, StateStopped))
}

func TestVSockString(t *testing.T) {
	assert := assert.New(t)

	v := VSock{ContextID: 3, Port: 1024}
	assert.Equal("vsock://3:1024", v.String())

	h := HybridVSock{UdsPath: "/tmp/sandbox.sock", Port: 1024}
	assert.Equal("hvsock:///tmp/sandbox.sock:1024", h.String())
}

func TestSocketAddress(t *testing.T) {
	assert := assert.New(t)

	addr, err := SocketAddress("vsock://3:1024")
	assert.NoError(err)
	assert.Equal(VSock{ContextID: 3, Port: 1024}, addr)

	addr, err = SocketAddress("hvsock:///tmp/sandbox.sock:1024")
	assert.NoError(err)
	assert.Equal(HybridVSock{UdsPath: "/tmp/sandbox.sock", Port: 1024}, addr)

	_, err = SocketAddress("tcp://127.0.0.1:80")
	assert.Error(err)

	_, err = SocketAddress("vsock://badcid:1024")
	assert.Error(err)
}
