// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtsandbox

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCommonDialerSuccess(t *testing.T) {
	assert := assert.New(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	dialFunc := func() (net.Conn, error) {
		return net.Dial("tcp", listener.Addr().String())
	}

	conn, err := commonDialer(2*time.Second, dialFunc, fmt.Errorf("dial timeout"))
	assert.NoError(err)
	assert.NotNil(conn)
	conn.Close()
}

func TestCommonDialerTimeout(t *testing.T) {
	assert := assert.New(t)

	timeoutErr := fmt.Errorf("dial timeout")
	dialFunc := func() (net.Conn, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, fmt.Errorf("connection refused")
	}

	conn, err := commonDialer(50*time.Millisecond, dialFunc, timeoutErr)
	assert.Nil(conn)
	assert.Equal(timeoutErr, err)
}
