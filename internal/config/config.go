// Package config is the process-wide configuration surface (spec.md §6),
// populated by cobra/pflag flags the way every rclone cmd/<name>
// subcommand registers its own flag set against a package-level Options
// struct. SchedAlgo follows vfs/vfscommon.CacheMode's pattern of a
// small pflag.Value-implementing enum rather than a bare string flag.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/tapeforge/lrs/internal/device"
	"github.com/tapeforge/lrs/internal/dispatch"
	"github.com/tapeforge/lrs/internal/model"
	"github.com/tapeforge/lrs/internal/priority"
)

// PriorityAlgo is the scheduler thread's priority-selector choice
// (spec.md §4.5): fifo_next_request or round_robin. Not named in spec.md
// §6's configuration-surface bullet list verbatim, but the two selector
// algorithms spec.md §4.5 actually defines are otherwise unreachable from
// configuration, so it is added here alongside the other per-scheduler
// algorithm choices.
type PriorityAlgo string

const (
	PriorityFIFO       PriorityAlgo = "fifo_next_request"
	PriorityRoundRobin PriorityAlgo = "round_robin"
)

func (a *PriorityAlgo) String() string { return string(*a) }

func (a *PriorityAlgo) Set(s string) error {
	switch PriorityAlgo(s) {
	case PriorityFIFO, PriorityRoundRobin:
		*a = PriorityAlgo(s)
		return nil
	default:
		return fmt.Errorf("unknown priority algorithm %q, want fifo_next_request or round_robin", s)
	}
}

func (a *PriorityAlgo) Type() string { return "PriorityAlgo" }

var _ pflag.Value = (*PriorityAlgo)(nil)

// Selector builds the priority.Selector this algorithm choice names.
func (a PriorityAlgo) Selector() priority.Selector {
	if a == PriorityRoundRobin {
		return &priority.RoundRobin{}
	}
	return priority.FIFO{}
}

// SchedAlgo is the read_algo/write_algo/format_algo configuration value
// (spec.md §6): fifo or grouped_read.
type SchedAlgo string

const (
	AlgoFIFO        SchedAlgo = "fifo"
	AlgoGroupedRead SchedAlgo = "grouped_read"
)

func (a *SchedAlgo) String() string { return string(*a) }

func (a *SchedAlgo) Set(s string) error {
	switch SchedAlgo(s) {
	case AlgoFIFO, AlgoGroupedRead:
		*a = SchedAlgo(s)
		return nil
	default:
		return fmt.Errorf("unknown scheduler algorithm %q, want fifo or grouped_read", s)
	}
}

func (a *SchedAlgo) Type() string { return "SchedAlgo" }

var _ pflag.Value = (*SchedAlgo)(nil)

// FactoryName resolves the registered iosched.Factory name this algorithm
// choice maps to, accounting for the separate ordered_grouped_read flag.
func (a SchedAlgo) FactoryName(ordered bool) string {
	switch a {
	case AlgoGroupedRead:
		if ordered {
			return "ordered_grouped_read"
		}
		return "grouped"
	default:
		return "fifo"
	}
}

// Config is the daemon's fully-resolved configuration (spec.md §6's
// "Configuration surface" bullet list).
type Config struct {
	MountPrefix string

	ReadAlgo   SchedAlgo
	WriteAlgo  SchedAlgo
	FormatAlgo SchedAlgo

	DispatchAlgo       dispatch.Algorithm
	OrderedGroupedRead bool
	PriorityAlgo       PriorityAlgo

	// SyncThresholds is keyed by resource family (tape, dir, object-pool).
	SyncThresholds map[model.ResourceFamily]device.SyncThresholds

	// FairShare is keyed by tape technology name (e.g. "LTO8").
	FairShare map[string]dispatch.Thresholds

	// Technologies maps a tape technology name to its list of compatible
	// drive models.
	Technologies map[string][]string

	// The raw* fields hold the repeatable key=value flags, one "key=comma,separated,
	// value" entry per occurrence, before Finalize parses them into the
	// typed maps above. A StringArray (not StringToString) is used
	// deliberately: pflag's StringToString CSV-splits on every comma in
	// the whole flag value, which would break the comma-separated
	// time/nb_req/wsize and read/write/format triples these values carry.
	rawSync          []string
	rawFairShareMin  []string
	rawFairShareMax  []string
	rawTechDrives    []string
	dispatchAlgoFlag *string
}

// New returns a Config with spec.md's implied defaults: FIFO scheduling
// everywhere, no dispatch, unordered grouped-read.
func New() *Config {
	return &Config{
		MountPrefix:    "/mnt/lrs",
		ReadAlgo:       AlgoFIFO,
		WriteAlgo:      AlgoFIFO,
		FormatAlgo:     AlgoFIFO,
		DispatchAlgo:   dispatch.NoDispatch,
		PriorityAlgo:   PriorityFIFO,
		SyncThresholds: make(map[model.ResourceFamily]device.SyncThresholds),
		FairShare:      make(map[string]dispatch.Thresholds),
		Technologies:   make(map[string][]string),
	}
}

// AddFlags registers every configuration-surface flag against fs, the way
// each rclone cmd/<name> package wires its own Options into the shared
// root command's flag set.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.MountPrefix, "mount-prefix", c.MountPrefix, "Mount path prefix for LTFS mounts")
	fs.Var(&c.ReadAlgo, "read-algo", "I/O scheduler algorithm for reads (fifo, grouped_read)")
	fs.Var(&c.WriteAlgo, "write-algo", "I/O scheduler algorithm for writes (fifo, grouped_read)")
	fs.Var(&c.FormatAlgo, "format-algo", "I/O scheduler algorithm for formats (fifo, grouped_read)")
	fs.BoolVar(&c.OrderedGroupedRead, "ordered-grouped-read", false, "Order grouped-read's per-medium queues by priority")
	fs.Var(&c.PriorityAlgo, "priority-algo", "Scheduler thread priority selector (fifo_next_request, round_robin)")

	var dispatchAlgo string
	fs.StringVar(&dispatchAlgo, "dispatch-algo", string(dispatch.NoDispatch), "Device dispatch algorithm (none, fair_share)")
	c.dispatchAlgoFlag = &dispatchAlgo

	// Per-family sync thresholds: --sync-threshold tape=500ms,8,64
	fs.StringArrayVar(&c.rawSync, "sync-threshold", nil,
		"Per-family sync threshold as family=time,nb_req,wsize_kb (repeatable)")
	// Per-technology fair-share bounds: --fair-share-min LTO8=1,1,0
	fs.StringArrayVar(&c.rawFairShareMin, "fair-share-min", nil,
		"Per-technology fair-share minimum as tech=read,write,format (repeatable)")
	fs.StringArrayVar(&c.rawFairShareMax, "fair-share-max", nil,
		"Per-technology fair-share maximum as tech=read,write,format (repeatable)")
	// Technology/drive compatibility: --tech-drives LTO8=ULT3580-TD8,IBM-TS1160
	fs.StringArrayVar(&c.rawTechDrives, "tech-drives", nil,
		"Technology to comma-separated compatible drive models (repeatable)")
}

// Finalize parses every repeatable raw flag into Config's typed maps, and
// resolves DispatchAlgo from its raw string form. Call once after
// cobra/pflag has parsed the command line.
func (c *Config) Finalize() error {
	if c.dispatchAlgoFlag != nil {
		switch *c.dispatchAlgoFlag {
		case "none", "", string(dispatch.NoDispatch):
			c.DispatchAlgo = dispatch.NoDispatch
		case "fair_share", string(dispatch.FairShare):
			c.DispatchAlgo = dispatch.FairShare
		default:
			return fmt.Errorf("config: unknown dispatch-algo %q", *c.dispatchAlgoFlag)
		}
	}

	for _, entry := range c.rawSync {
		family, raw, err := splitKeyValue(entry)
		if err != nil {
			return fmt.Errorf("config: sync-threshold: %w", err)
		}
		th, err := parseSyncThreshold(raw)
		if err != nil {
			return fmt.Errorf("config: sync-threshold %s: %w", family, err)
		}
		c.SyncThresholds[model.ResourceFamily(family)] = th
	}

	for _, entry := range c.rawFairShareMin {
		tech, raw, err := splitKeyValue(entry)
		if err != nil {
			return fmt.Errorf("config: fair-share-min: %w", err)
		}
		triple, err := parseTriple(raw)
		if err != nil {
			return fmt.Errorf("config: fair-share-min %s: %w", tech, err)
		}
		t := c.FairShare[tech]
		t.Min = triple
		c.FairShare[tech] = t
	}
	for _, entry := range c.rawFairShareMax {
		tech, raw, err := splitKeyValue(entry)
		if err != nil {
			return fmt.Errorf("config: fair-share-max: %w", err)
		}
		triple, err := parseTriple(raw)
		if err != nil {
			return fmt.Errorf("config: fair-share-max %s: %w", tech, err)
		}
		t := c.FairShare[tech]
		t.Max = triple
		c.FairShare[tech] = t
	}

	for _, entry := range c.rawTechDrives {
		tech, raw, err := splitKeyValue(entry)
		if err != nil {
			return fmt.Errorf("config: tech-drives: %w", err)
		}
		c.Technologies[tech] = strings.Split(raw, ",")
	}

	return nil
}

// splitKeyValue splits a "key=value" repeatable-flag entry on its first
// '=', since values may themselves contain further '=' or ','.
func splitKeyValue(entry string) (key, value string, err error) {
	idx := strings.IndexByte(entry, '=')
	if idx < 0 {
		return "", "", fmt.Errorf("want key=value, got %q", entry)
	}
	return entry[:idx], entry[idx+1:], nil
}

// parseSyncThreshold parses "time,nb_req,wsize_kb" (time as a Go
// duration string, e.g. "500ms") into a device.SyncThresholds.
func parseSyncThreshold(raw string) (device.SyncThresholds, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		return device.SyncThresholds{}, fmt.Errorf("want time,nb_req,wsize_kb, got %q", raw)
	}
	d, err := time.ParseDuration(parts[0])
	if err != nil {
		return device.SyncThresholds{}, err
	}
	nbReq, err := strconv.Atoi(parts[1])
	if err != nil {
		return device.SyncThresholds{}, err
	}
	wsizeKB, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return device.SyncThresholds{}, err
	}
	return device.SyncThresholds{
		QueueLength:        nbReq,
		TimeThreshold:      d,
		WriteSizeThreshold: wsizeKB * 1024,
	}, nil
}

// parseTriple parses "read,write,format" into the [3]int fixed order
// dispatch.Thresholds uses throughout.
func parseTriple(raw string) ([3]int, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		return [3]int{}, fmt.Errorf("want read,write,format, got %q", raw)
	}
	var out [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return [3]int{}, err
		}
		out[i] = n
	}
	return out, nil
}
