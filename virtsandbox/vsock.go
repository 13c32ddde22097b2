// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtsandbox

import (
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/sandboxvm/runtime/virtsandbox/types"
)

// VSockDialer connects to the guest agent socket of a started VM. The
// guest side may come up a moment after the VM boots, so the dial is
// retried until the timeout fires.
func VSockDialer(sock types.VSock, timeout time.Duration) (net.Conn, error) {
	dialFunc := func() (net.Conn, error) {
		return vsock.Dial(uint32(sock.ContextID), sock.Port, nil)
	}

	timeoutErr := fmt.Errorf("timed out connecting to vsock %d:%d", sock.ContextID, sock.Port)

	return commonDialer(timeout, dialFunc, timeoutErr)
}

// commonDialer retries dialFunc until it succeeds or the timeout fires.
// The inner dial has no backoff: a sandbox boots once and there are no
// concurrent dialers worth protecting against.
func commonDialer(timeout time.Duration, dialFunc func() (net.Conn, error), timeoutErrMsg error) (net.Conn, error) {
	t := time.NewTimer(timeout)
	cancel := make(chan bool)
	ch := make(chan net.Conn)
	go func() {
		for {
			select {
			case <-cancel:
				// canceled or channel closed
				return
			default:
			}

			conn, err := dialFunc()
			if err == nil {
				// Send conn back iff timer is not fired
				// Otherwise there might be no one left reading it
				if t.Stop() {
					ch <- conn
				} else {
					conn.Close()
				}
				return
			}
		}
	}()

	var conn net.Conn
	var ok bool
	select {
	case conn, ok = <-ch:
		if !ok {
			return nil, timeoutErrMsg
		}
	case <-t.C:
		cancel <- true
		return nil, timeoutErrMsg
	}

	return conn, nil
}
