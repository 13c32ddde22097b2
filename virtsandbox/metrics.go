// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtsandbox

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespaceSandbox = "sandboxvm"

var (
	sandboxVCPUsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespaceSandbox,
		Name:      "vcpus",
		Help:      "Current number of vCPUs of the sandbox VM.",
	},
		[]string{"sandbox_id"},
	)

	sandboxMemoryGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespaceSandbox,
		Name:      "memory_mb",
		Help:      "Current guest memory of the sandbox VM in MiB.",
	},
		[]string{"sandbox_id"},
	)

	devicesAttachedGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespaceSandbox,
		Name:      "devices_attached",
		Help:      "Number of devices attached to the sandbox VM.",
	},
		[]string{"sandbox_id"},
	)
)

// RegisterMetrics registers the sandbox sizing metrics with the default
// Prometheus registry.
func RegisterMetrics() {
	prometheus.MustRegister(sandboxVCPUsGauge)
	prometheus.MustRegister(sandboxMemoryGauge)
	prometheus.MustRegister(devicesAttachedGauge)
}

func updateMetrics(sandboxID string, vcpus, memoryMB uint32) {
	sandboxVCPUsGauge.WithLabelValues(sandboxID).Set(float64(vcpus))
	sandboxMemoryGauge.WithLabelValues(sandboxID).Set(float64(memoryMB))
}

// UpdateDeviceMetrics refreshes the attached device count from the device
// manager.
func (s *Sandbox) UpdateDeviceMetrics() {
	if s.devManager == nil {
		return
	}

	attached := 0
	for _, dev := range s.devManager.GetAllDevices() {
		if dev.GetAttachCount() > 0 {
			attached++
		}
	}
	devicesAttachedGauge.WithLabelValues(s.id).Set(float64(attached))
}
