// Package dispatch is the device dispatcher (component D): the
// periodic pass that decides which of the three per-type I/O schedulers
// (read, write, format) a physical drive currently belongs to
// (spec.md §4.4).
//
// The fair-share algorithm is grounded on hashicorp-nomad's
// scheduler-util.go reconcile style: compute a target allocation, diff
// it against the current one, then act only on the difference — rather
// than tearing everything down and reassigning from scratch every pass.
package dispatch

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tapeforge/lrs/internal/device"
	"github.com/tapeforge/lrs/internal/iosched"
	"github.com/tapeforge/lrs/internal/model"
)

// Algorithm selects a device dispatcher implementation (spec.md §4.4).
type Algorithm string

const (
	NoDispatch Algorithm = "no_dispatch"
	FairShare  Algorithm = "fair_share_number_of_requests"
)

// typeOrder is the stable read/write/format index order used throughout
// this package, and the tie-break order SPEC_FULL.md §9 resolves the
// three-way "assign heaviest two" tie onto.
var typeOrder = [3]model.RequestType{model.ReqRead, model.ReqWrite, model.ReqFormat}

// Thresholds is one technology's per-type min/max device count, read
// from the "fair-share min/max triples" configuration surface (§6).
type Thresholds struct {
	Min [3]int
	Max [3]int
}

// Dispatcher runs one dispatch pass at a time; it carries no per-run
// state beyond the configured algorithm and thresholds, so a single
// instance is reused by the scheduler thread's periodic ticker.
type Dispatcher struct {
	mu         sync.Mutex
	algo       Algorithm
	thresholds map[string]Thresholds
	log        *logrus.Entry
}

func New(algo Algorithm, thresholds map[string]Thresholds) *Dispatcher {
	return &Dispatcher{
		algo:       algo,
		thresholds: thresholds,
		log:        logrus.WithField("component", "dispatch"),
	}
}

// Schedulers is the fixed read/write/format triple every dispatch pass
// reconciles devices across.
type Schedulers [3]iosched.Scheduler

func (s Schedulers) byType(t model.RequestType) iosched.Scheduler {
	for i, ty := range typeOrder {
		if ty == t {
			return s[i]
		}
	}
	return nil
}

// Run partitions devices by technology and reconciles each group against
// its configured thresholds (or, under no_dispatch, hands every drive to
// every scheduler unconditionally).
func (d *Dispatcher) Run(devices []*device.Thread, dir *iosched.Directory, schedulers Schedulers) {
	d.mu.Lock()
	algo := d.algo
	d.mu.Unlock()

	if algo == NoDispatch {
		d.runNoDispatch(devices, dir, schedulers)
		return
	}

	byTech := make(map[string][]*device.Thread)
	for _, dev := range devices {
		tech := dev.Snapshot().Technology
		byTech[tech] = append(byTech[tech], dev)
	}
	for tech, group := range byTech {
		th := d.thresholds[tech]
		d.runFairShare(tech, group, th, dir, schedulers)
	}
}

func (d *Dispatcher) runNoDispatch(devices []*device.Thread, dir *iosched.Directory, schedulers Schedulers) {
	for _, dev := range devices {
		dir.Track(dev)
		dev.SetAssigned(model.NewRequestTypeSet(typeOrder[:]...))
		for _, s := range schedulers {
			s.AddDevice(dev)
		}
	}
}

func (d *Dispatcher) runFairShare(technology string, devices []*device.Thread, th Thresholds, dir *iosched.Directory, schedulers Schedulers) {
	totalDevices := len(devices)
	if totalDevices == 0 {
		return
	}

	var counts [3]int
	for i, s := range schedulers {
		counts[i] = s.PendingCount()
	}
	totalReq := sum3(counts)

	minT, maxT := th.Min, th.Max
	if totalDevices < sum3(minT) {
		// Collapse to avoid deadlock: today's max becomes the old min,
		// and the min relaxes to 0 (no demand) or 1 (some demand).
		maxT = minT
		for i := range minT {
			if counts[i] > 0 {
				minT[i] = 1
			} else {
				minT[i] = 0
			}
		}
	}

	target := computeRepartition(counts, totalReq, totalDevices, minT, maxT)

	switch totalDevices {
	case 1:
		target = [3]int{}
		target[heaviest(counts)] = 1
	case 2:
		target = [3]int{}
		a, b := heaviestTwo(counts)
		target[a]++
		target[b]++
	}

	d.log.WithField("technology", technology).WithField("target", target).Debug("fair-share repartition computed")
	d.reconcile(devices, dir, schedulers, target)
}

// computeRepartition implements steps 3-5: an initial clamp(floor(weight
// × totalDevices), min, max) per type, then reduce-excess and
// increase-deficit passes until the total matches totalDevices exactly
// (or every type able to grow is maxed out).
func computeRepartition(counts [3]int, totalReq, totalDevices int, min, max [3]int) [3]int {
	var target [3]int
	for i := 0; i < 3; i++ {
		if counts[i] == 0 || totalReq == 0 {
			target[i] = 0
			continue
		}
		weight := float64(counts[i]) / float64(totalReq)
		target[i] = clamp(int(math.Floor(weight*float64(totalDevices))), min[i], max[i])
	}

	for sum3(target) > totalDevices {
		reduced := false
		for i := 0; i < 3; i++ {
			if sum3(target) <= totalDevices {
				break
			}
			if target[i] > min[i] {
				target[i]--
				reduced = true
			}
		}
		if !reduced {
			break
		}
	}

	for sum3(target) < totalDevices {
		best, bestGap := -1, -1.0
		for i := 0; i < 3; i++ {
			if target[i] >= max[i] {
				continue
			}
			want := 0.0
			if totalReq > 0 {
				want = float64(counts[i]) / float64(totalReq)
			}
			have := float64(target[i]) / float64(totalDevices)
			if gap := want - have; gap > bestGap {
				bestGap, best = gap, i
			}
		}
		if best == -1 {
			break // every type is maxed: leftover devices stay free stock
		}
		target[best]++
	}
	return target
}

func heaviest(counts [3]int) int {
	best := 0
	for i := 1; i < 3; i++ {
		if counts[i] > counts[best] {
			best = i
		}
	}
	return best
}

func heaviestTwo(counts [3]int) (int, int) {
	first := heaviest(counts)
	second := -1
	for i := 0; i < 3; i++ {
		if i == first {
			continue
		}
		if second == -1 || counts[i] > counts[second] {
			second = i
		}
	}
	return first, second
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sum3(t [3]int) int { return t[0] + t[1] + t[2] }

// reconcile is fetch_devices_to_give + dispatch_devices: reclaim drives
// from any scheduler now above its quota into a free-stock pool
// (alongside drives with no current owner at all), then hand free stock
// out until every scheduler reaches its target.
func (d *Dispatcher) reconcile(devices []*device.Thread, dir *iosched.Directory, schedulers Schedulers, target [3]int) {
	var current [3]int
	ownerIdx := make(map[*device.Thread]int, len(devices))
	for _, dev := range devices {
		idx := -1
		if owner, ok := dir.OwnerOf(dev); ok {
			for i, s := range schedulers {
				if owner == s {
					idx = i
					break
				}
			}
		}
		ownerIdx[dev] = idx
		if idx >= 0 {
			current[idx]++
		}
	}

	var free []*device.Thread
	for _, dev := range devices {
		idx := ownerIdx[dev]
		if idx == -1 {
			free = append(free, dev)
			continue
		}
		if current[idx] > target[idx] {
			schedulers[idx].RemoveDevice(dev)
			dir.SetOwner(dev, nil)
			current[idx]--
			free = append(free, dev)
		}
	}

	for i, s := range schedulers {
		for current[i] < target[i] && len(free) > 0 {
			dev := free[len(free)-1]
			free = free[:len(free)-1]
			dir.Track(dev)
			dev.SetAssigned(model.NewRequestTypeSet(typeOrder[i]))
			s.AddDevice(dev)
			dir.SetOwner(dev, s)
			current[i]++
		}
	}
}
