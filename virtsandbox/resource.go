// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package virtsandbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/go-units"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"

	"github.com/sandboxvm/runtime/pkg/trace"
	"github.com/sandboxvm/runtime/virtsandbox/utils"
)

// resourceTracingTags defines tags for the trace span
var resourceTracingTags = map[string]string{
	"subsystem": "resource",
}

// ResourceOp tells the resource controller what happened to a container's
// resource assignment.
type ResourceOp int

const (
	// AddResources records the resources of a new container.
	AddResources ResourceOp = iota

	// UpdateResourcesOp replaces the recorded resources of a container.
	UpdateResourcesOp

	// DeleteResources drops the recorded resources of a container.
	DeleteResources
)

// resourceController keeps a per-container ledger of Linux resource
// assignments and resizes the VM to the aggregate whenever the ledger
// changes. The baseline sizing comes from the hypervisor configuration.
type resourceController struct {
	sandbox *Sandbox

	// resources is the ledger, keyed by container ID.
	resources map[string]specs.LinuxResources

	// mu serializes ledger mutation and the resize that follows, so a
	// recompute never races with another resize in flight.
	mu sync.Mutex
}

func newResourceController(s *Sandbox) *resourceController {
	return &resourceController{
		sandbox:   s,
		resources: make(map[string]specs.LinuxResources),
	}
}

func (rc *resourceController) Logger() *logrus.Entry {
	return rc.sandbox.Logger().WithField("subsystem", "resource")
}

// Update mutates the ledger for the given container and resizes the VM to
// the new aggregate. The ledger change and the resize happen under one
// lock, keeping a single resize in flight per sandbox.
func (rc *resourceController) Update(ctx context.Context, containerID string, resources *specs.LinuxResources, op ResourceOp) error {
	span, ctx := trace.Span(ctx, rc.Logger(), "Update", resourceTracingTags, map[string]string{"sandbox_id": rc.sandbox.id})
	defer span.End()

	rc.mu.Lock()
	defer rc.mu.Unlock()

	switch op {
	case AddResources, UpdateResourcesOp:
		if resources == nil {
			return fmt.Errorf("nil resources for container %s", containerID)
		}
		rc.resources[containerID] = *resources
	case DeleteResources:
		delete(rc.resources, containerID)
	default:
		return fmt.Errorf("unsupported resource operation %d", op)
	}

	return rc.updateResources(ctx)
}

// updateResources calculates the resources required for the containers in
// the ledger plus the sandbox baseline, and adjusts the VM sizing
// accordingly. Called with rc.mu held.
func (rc *resourceController) updateResources(ctx context.Context) error {
	sandboxVCPUs := rc.calculateSandboxCPUs()
	// Add default vcpus for sandbox
	sandboxVCPUs += rc.sandbox.hypervisor.HypervisorConfig().NumVCPUs

	sandboxMemoryByte, needPodSwap, swapByte := rc.calculateSandboxMemory()

	// Add default / rsvd memory for sandbox.
	hypervisorMemoryByte := uint64(rc.sandbox.hypervisor.HypervisorConfig().MemorySize) << utils.MibToBytesShift
	sandboxMemoryByte += hypervisorMemoryByte
	if needPodSwap {
		swapByte += int64(hypervisorMemoryByte)
	}

	if swapByte > 0 {
		rc.Logger().WithField("swap", units.BytesSize(float64(swapByte))).
			Debug("guest swap requested")
	}

	// Update vCPUs
	rc.Logger().WithField("cpus-sandbox", sandboxVCPUs).Debugf("Request to hypervisor to update vCPUs")
	oldCPUs, newCPUs, err := rc.sandbox.hypervisor.ResizeVCPUs(ctx, sandboxVCPUs)
	if err != nil {
		return err
	}
	rc.Logger().Debugf("Sandbox CPUs: %d (was %d)", newCPUs, oldCPUs)

	// Update memory, converting bytes to MiB with ceiling semantics so a
	// partial MiB still gets provisioned.
	newMemoryMB := uint32((sandboxMemoryByte + (1 << utils.MibToBytesShift) - 1) >> utils.MibToBytesShift)

	rc.Logger().WithField("memory-sandbox-size-mb", newMemoryMB).Debugf("Request to hypervisor to update memory")
	newMemory, updatedMemoryDevice, err := rc.sandbox.hypervisor.ResizeMemory(ctx, newMemoryMB,
		rc.sandbox.state.GuestMemoryBlockSizeMB, rc.sandbox.state.GuestMemoryHotplugProbe)
	if err != nil {
		return err
	}
	if updatedMemoryDevice.Addr != 0 {
		rc.Logger().Debugf("memory hot-add device located at 0x%x", updatedMemoryDevice.Addr)
	}
	rc.Logger().Debugf("Sandbox memory size: %d MB", newMemory)

	updateMetrics(rc.sandbox.id, newCPUs, newMemory)

	return nil
}

// calculateSandboxMemory sums the memory limits and hugepage limits of all
// containers in the ledger. When guest swap is enabled, a swappiness above
// zero adds a swap allowance: the limit itself if no explicit swap ceiling
// is set, the excess over the limit otherwise. An unlimited-memory
// container asks for a pod-sized swap instead.
func (rc *resourceController) calculateSandboxMemory() (uint64, bool, int64) {
	memorySandbox := uint64(0)
	needPodSwap := false
	swapSandbox := int64(0)

	for id, r := range rc.resources {
		if m := r.Memory; m != nil {
			currentLimit := int64(0)
			if m.Limit != nil && *m.Limit > 0 {
				currentLimit = *m.Limit
				memorySandbox += uint64(currentLimit)
				rc.Logger().WithField("container", id).
					WithField("memory limit", memorySandbox).Debug("Memory Sandbox + Memory Limit")
			}

			if rc.sandbox.config.HypervisorConfig.GuestSwap && m.Swappiness != nil && *m.Swappiness > 0 {
				currentSwap := int64(0)
				if m.Swap != nil {
					currentSwap = *m.Swap
				}
				if currentSwap == 0 {
					if currentLimit == 0 {
						needPodSwap = true
					} else {
						swapSandbox += currentLimit
					}
				} else if currentSwap > currentLimit {
					swapSandbox = currentSwap - currentLimit
				}
			}
		}

		// Add hugepages memory
		for _, l := range r.HugepageLimits {
			memorySandbox += l.Limit
		}
	}

	return memorySandbox, needPodSwap, swapSandbox
}

// calculateSandboxCPUs sums the quota/period fractions of the ledger as
// milli-CPUs and rounds up once at the end. Containers constrained only by
// a cpuset count for their cpuset width, but only when no container
// carries a quota; shares-only containers contribute nothing.
func (rc *resourceController) calculateSandboxCPUs() uint32 {
	mCPU := uint32(0)
	cpusetCount := int(0)

	for _, r := range rc.resources {
		if cpu := r.CPU; cpu != nil {
			if cpu.Period != nil && cpu.Quota != nil {
				mCPU += utils.CalculateMilliCPUs(*cpu.Quota, *cpu.Period)
			}

			set, err := cpusetWidth(cpu.Cpus)
			if err != nil {
				rc.Logger().WithField("cpuset", cpu.Cpus).WithError(err).Warn("invalid cpuset")
				continue
			}
			cpusetCount += set
		}
	}

	// If we aren't being constrained by quotas, we could be constrained
	// only by CPUSets.
	if mCPU == 0 && cpusetCount > 0 {
		return uint32(cpusetCount)
	}

	return utils.CalculateVCpusFromMilliCpus(mCPU)
}

// cpusetWidth counts the CPUs named by a Linux cpuset list such as
// "0-2,5". An empty string is a zero-width set.
func cpusetWidth(cpus string) (int, error) {
	if cpus == "" {
		return 0, nil
	}

	count := 0
	for _, part := range strings.Split(cpus, ",") {
		bounds := strings.SplitN(part, "-", 2)
		switch len(bounds) {
		case 1:
			if _, err := strconv.Atoi(bounds[0]); err != nil {
				return 0, err
			}
			count++
		case 2:
			low, err := strconv.Atoi(bounds[0])
			if err != nil {
				return 0, err
			}
			high, err := strconv.Atoi(bounds[1])
			if err != nil {
				return 0, err
			}
			if high < low {
				return 0, fmt.Errorf("invalid cpuset range %q", part)
			}
			count += high - low + 1
		}
	}

	return count, nil
}
