// Package hwsensor reads hardware sensors through gopsutil and presents
// them as a [sensor.Source].
//
// Readings carry ids of the form /{hardware}/{index}/{kind}/{n}, for
// example /coretemp/0/temperature/1 or /cpu/0/load/0. Disks are named by
// mountpoint instead of index, as in /hdd/home/load/0. The topic namer
// removes the kind segment, so the ids stay stable across polls as long
// as the hardware does not change.
package hwsensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/nugget/ohmpub/internal/config"
	"github.com/nugget/ohmpub/internal/sensor"
)

// Hardware components that can be enabled.
const (
	ComponentCPU       = "cpu"
	ComponentGPU       = "gpu"
	ComponentMainboard = "mainboard"
	ComponentNetwork   = "network"
	ComponentRAM       = "ram"
	ComponentStorage   = "storage"
)

const bytesPerGiB = 1 << 30

// chipComponents maps a temperature chip driver name to the component
// it belongs to. Unlisted chips count as mainboard sensors.
var chipComponents = map[string]string{
	"coretemp":  ComponentCPU,
	"k10temp":   ComponentCPU,
	"zenpower":  ComponentCPU,
	"cpu":       ComponentCPU,
	"amdgpu":    ComponentGPU,
	"nouveau":   ComponentGPU,
	"nvidia":    ComponentGPU,
	"radeon":    ComponentGPU,
	"nvme":      ComponentStorage,
	"drivetemp": ComponentStorage,
}

// Source samples the enabled hardware components on every Enumerate.
type Source struct {
	components map[string]bool
	logger     *slog.Logger

	temperatures  func(context.Context) ([]host.TemperatureStat, error)
	cpuPercent    func(context.Context, time.Duration, bool) ([]float64, error)
	cpuInfo       func(context.Context) ([]cpu.InfoStat, error)
	virtualMemory func(context.Context) (*mem.VirtualMemoryStat, error)
	partitions    func(context.Context, bool) ([]disk.PartitionStat, error)
	diskUsage     func(context.Context, string) (*disk.UsageStat, error)
	ioCounters    func(context.Context, bool) ([]net.IOCountersStat, error)
}

var _ sensor.Source = (*Source)(nil)

// New creates a source for the given components.
func New(components []string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	enabled := make(map[string]bool, len(components))
	for _, c := range components {
		enabled[strings.ToLower(strings.TrimSpace(c))] = true
	}
	return &Source{
		components:    enabled,
		logger:        logger.With("component", "hwsensor"),
		temperatures:  host.SensorsTemperaturesWithContext,
		cpuPercent:    cpu.PercentWithContext,
		cpuInfo:       cpu.InfoWithContext,
		virtualMemory: mem.VirtualMemoryWithContext,
		partitions:    disk.PartitionsWithContext,
		diskUsage:     disk.UsageWithContext,
		ioCounters:    net.IOCountersWithContext,
	}
}

type collector struct {
	name    string
	enabled bool
	collect func(context.Context) ([]sensor.RawReading, error)
}

// Enumerate samples every enabled component once. A failing collector
// is logged and skipped; an error is returned only when every collector
// that ran failed.
func (s *Source) Enumerate(ctx context.Context) ([]sensor.RawReading, error) {
	collectors := []collector{
		{"temperature", s.anyEnabled(ComponentCPU, ComponentGPU, ComponentMainboard, ComponentStorage), s.collectTemperatures},
		{"cpu load", s.components[ComponentCPU], s.collectCPULoad},
		{"cpu clock", s.components[ComponentCPU], s.collectCPUClock},
		{"memory", s.components[ComponentRAM], s.collectMemory},
		{"storage", s.components[ComponentStorage], s.collectStorage},
		{"network", s.components[ComponentNetwork], s.collectNetwork},
	}

	var (
		out  []sensor.RawReading
		errs []error
		ran  int
	)
	for _, c := range collectors {
		if !c.enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ran++
		readings, err := c.collect(ctx)
		if err != nil {
			s.logger.Warn("sensor collector failed", "collector", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		out = append(out, readings...)
	}

	if ran > 0 && len(errs) == ran {
		return nil, errors.Join(errs...)
	}
	s.logger.Log(ctx, config.LevelTrace, "sensors enumerated", "readings", len(out), "failed", len(errs))
	return out, nil
}

func (s *Source) anyEnabled(names ...string) bool {
	for _, n := range names {
		if s.components[n] {
			return true
		}
	}
	return false
}

// chipDevice tracks the numbering of one chip driver. A label seen again
// means the driver reports a second device, such as a second NVMe drive.
type chipDevice struct {
	index  int
	n      int
	labels map[string]bool
}

func (s *Source) collectTemperatures(ctx context.Context) ([]sensor.RawReading, error) {
	stats, err := s.temperatures(ctx)
	if err != nil {
		// gopsutil reports unreadable sensors as warnings next to the
		// readable ones.
		if len(stats) == 0 {
			return nil, err
		}
		s.logger.Debug("some temperature sensors unreadable", "error", err)
	}

	devices := make(map[string]*chipDevice)
	var out []sensor.RawReading
	for _, st := range stats {
		chip, label := splitSensorKey(st.SensorKey)
		component, ok := chipComponents[chip]
		if !ok {
			component = ComponentMainboard
		}
		if !s.components[component] {
			continue
		}

		dev, ok := devices[chip]
		if !ok {
			dev = &chipDevice{labels: make(map[string]bool)}
			devices[chip] = dev
		}
		if dev.labels[label] {
			dev.index++
			dev.n = 0
			dev.labels = make(map[string]bool)
		}
		dev.labels[label] = true

		out = append(out, sensor.RawReading{
			ID:    fmt.Sprintf("/%s/%d/temperature/%d", chip, dev.index, dev.n),
			Kind:  sensor.Temperature,
			Name:  humanize(label, chip),
			Value: sensor.Float(st.Temperature),
		})
		dev.n++
	}
	return out, nil
}

func (s *Source) collectCPULoad(ctx context.Context) ([]sensor.RawReading, error) {
	total, err := s.cpuPercent(ctx, 0, false)
	if err != nil {
		return nil, err
	}
	perCore, err := s.cpuPercent(ctx, 0, true)
	if err != nil {
		return nil, err
	}

	out := make([]sensor.RawReading, 0, len(perCore)+1)
	if len(total) > 0 {
		out = append(out, sensor.RawReading{
			ID: "/cpu/0/load/0", Kind: sensor.Load, Name: "CPU Total", Value: sensor.Float(total[0]),
		})
	}
	for i, pct := range perCore {
		out = append(out, sensor.RawReading{
			ID:    "/cpu/0/load/" + strconv.Itoa(i+1),
			Kind:  sensor.Load,
			Name:  "CPU Core #" + strconv.Itoa(i+1),
			Value: sensor.Float(pct),
		})
	}
	return out, nil
}

func (s *Source) collectCPUClock(ctx context.Context) ([]sensor.RawReading, error) {
	infos, err := s.cpuInfo(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]sensor.RawReading, 0, len(infos))
	for i, info := range infos {
		r := sensor.RawReading{
			ID:   "/cpu/0/clock/" + strconv.Itoa(i+1),
			Kind: sensor.Clock,
			Name: "CPU Core #" + strconv.Itoa(i+1),
		}
		if info.Mhz > 0 {
			r.Value = sensor.Float(info.Mhz)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Source) collectMemory(ctx context.Context) ([]sensor.RawReading, error) {
	vm, err := s.virtualMemory(ctx)
	if err != nil {
		return nil, err
	}
	return []sensor.RawReading{
		{ID: "/ram/load/0", Kind: sensor.Load, Name: "Memory", Value: sensor.Float(vm.UsedPercent)},
		{ID: "/ram/data/0", Kind: sensor.Data, Name: "Used Memory", Value: sensor.Float(float64(vm.Used) / bytesPerGiB)},
		{ID: "/ram/data/1", Kind: sensor.Data, Name: "Available Memory", Value: sensor.Float(float64(vm.Available) / bytesPerGiB)},
	}, nil
}

func (s *Source) collectStorage(ctx context.Context) ([]sensor.RawReading, error) {
	parts, err := s.partitions(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]sensor.RawReading, 0, len(parts))
	used := make(map[string]int, len(parts))
	for _, p := range parts {
		usage, err := s.diskUsage(ctx, p.Mountpoint)
		if err != nil {
			s.logger.Debug("disk usage unavailable", "mountpoint", p.Mountpoint, "error", err)
			continue
		}
		slug := mountSlug(p.Mountpoint)
		used[slug]++
		if n := used[slug]; n > 1 {
			slug += "-" + strconv.Itoa(n)
		}
		out = append(out, sensor.RawReading{
			ID:    "/hdd/" + slug + "/load/0",
			Kind:  sensor.Load,
			Name:  "Used Space " + p.Mountpoint,
			Value: sensor.Float(usage.UsedPercent),
		})
	}
	return out, nil
}

// collectNetwork reports the data sent and received by every interface
// except loopback, in GiB since boot.
func (s *Source) collectNetwork(ctx context.Context) ([]sensor.RawReading, error) {
	counters, err := s.ioCounters(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]sensor.RawReading, 0, 2*len(counters))
	for _, c := range counters {
		if c.Name == "lo" || c.Name == "lo0" || strings.HasPrefix(strings.ToLower(c.Name), "loopback") {
			continue
		}
		nic := "/nic/" + mountSlug(c.Name)
		out = append(out,
			sensor.RawReading{
				ID:    nic + "/data/0",
				Kind:  sensor.Data,
				Name:  c.Name + " Data Uploaded",
				Value: sensor.Float(float64(c.BytesSent) / bytesPerGiB),
			},
			sensor.RawReading{
				ID:    nic + "/data/1",
				Kind:  sensor.Data,
				Name:  c.Name + " Data Downloaded",
				Value: sensor.Float(float64(c.BytesRecv) / bytesPerGiB),
			},
		)
	}
	return out, nil
}

// mountSlug turns a mountpoint or interface name into an id segment
// that stays the same while other devices come and go: "/" is "root", "/mnt/data" is
// "mnt-data" and `C:\` is "c".
func mountSlug(mount string) string {
	slug := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '-'
		}
		return r
	}, strings.ToLower(mount))
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "root"
	}
	return slug
}

// splitSensorKey splits a gopsutil sensor key such as
// "coretemp_package_id_0" into chip and label.
func splitSensorKey(key string) (chip, label string) {
	key = strings.ToLower(strings.TrimSpace(key))
	chip, label, _ = strings.Cut(key, "_")
	if label == "" {
		label = chip
	}
	return chip, label
}

// humanize turns "package_id_0" into "Package Id 0". A label that only
// repeats the chip name becomes the upper-cased chip name.
func humanize(label, chip string) string {
	if label == chip {
		return strings.ToUpper(chip)
	}
	words := strings.FieldsFunc(label, func(r rune) bool { return r == '_' || r == ' ' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
