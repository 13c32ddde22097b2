// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtsandbox

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestUpdateMetrics(t *testing.T) {
	assert := assert.New(t)

	updateMetrics("metrics-test", 4, 2048)

	assert.Equal(float64(4), testutil.ToFloat64(sandboxVCPUsGauge.WithLabelValues("metrics-test")))
	assert.Equal(float64(2048), testutil.ToFloat64(sandboxMemoryGauge.WithLabelValues("metrics-test")))
}

func TestUpdateDeviceMetrics(t *testing.T) {
	assert := assert.New(t)

	s := newResourceTestSandbox(false)

	// no device manager wired up, nothing to count
	s.UpdateDeviceMetrics()

	s2, err := NewSandbox(s.ctx, newMockSandboxConfig())
	assert.NoError(err)

	s2.UpdateDeviceMetrics()
	assert.Equal(float64(0), testutil.ToFloat64(devicesAttachedGauge.WithLabelValues(s2.id)))
}
