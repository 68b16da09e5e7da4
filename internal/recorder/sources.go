package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/danmuck/pcicrec/internal/config"
	"github.com/danmuck/pcicrec/internal/device"
	logs "github.com/danmuck/pcicrec/internal/logging"
	"github.com/danmuck/pcicrec/internal/protocol/session"
)

var (
	ErrNoSources        = errors.New("recorder: no sources requested")
	ErrDuplicateSource  = errors.New("recorder: duplicate source")
	ErrUnknownSource    = errors.New("recorder: unknown source")
	ErrSingleStream     = errors.New("recorder: stream class can only be recorded once")
	ErrUnknownAppClass  = errors.New("recorder: unknown application class")
	ErrDeviceConfig     = errors.New("recorder: unreadable device configuration")
	ErrStreamIDOverflow = errors.New("recorder: too many streams")
)

// StreamDescriptor binds one source to its stream in the container.
type StreamDescriptor struct {
	Source       string
	Stream       string
	StreamID     uint16
	Class        string
	Format       string
	ChunkFilter  []uint32
	OutputConfig int
	PCICPort     int
	Sensor       string
	// MotionCompensation marks ports whose floor motion compensation is
	// switched off while recording.
	MotionCompensation bool
}

// SessionSource returns the session view of d on host.
func (d StreamDescriptor) SessionSource(host string) session.Source {
	return session.Source{
		Name:         d.Source,
		Host:         host,
		PCICPort:     d.PCICPort,
		Format:       d.Format,
		ChunkFilter:  slices.Clone(d.ChunkFilter),
		OutputConfig: d.OutputConfig,
	}
}

type ResolveOptions struct {
	// AppAutoSource adds the ports an application depends on.
	AppAutoSource                  bool
	ForceDisableMotionCompensation bool
	Catalog                        config.Catalog
}

// Plan is the outcome of source resolution.
type Plan struct {
	Descriptors []StreamDescriptor
	// Document is the full device configuration read during resolution.
	Document json.RawMessage
	Firmware string
}

// Sources lists the resolved source names in stream order.
func (p *Plan) Sources() []string {
	out := make([]string, len(p.Descriptors))
	for i, d := range p.Descriptors {
		out[i] = d.Source
	}
	return out
}

// ResolveSources returns one descriptor per source, see Resolve.
func ResolveSources(ctx context.Context, dev device.Client, requested []string, opts ResolveOptions) ([]StreamDescriptor, error) {
	plan, err := Resolve(ctx, dev, requested, opts)
	if err != nil {
		return nil, err
	}
	return plan.Descriptors, nil
}

// Resolve reads the device configuration once and assigns stream names
// and ids. Stream id 0 is reserved for the configuration snapshot.
func Resolve(ctx context.Context, dev device.Client, requested []string, opts ResolveOptions) (*Plan, error) {
	if len(requested) == 0 {
		return nil, ErrNoSources
	}
	seen := map[string]bool{}
	for _, src := range requested {
		if seen[src] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSource, src)
		}
		seen[src] = true
		if !validSourceName(src) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, src)
		}
	}
	cat := opts.Catalog
	if cat.ConfigStream == "" {
		cat = config.DefaultCatalog()
	}

	raw, err := dev.Get(ctx, []string{""})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceConfig, err)
	}
	doc, err := device.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceConfig, err)
	}

	sources := slices.Clone(requested)
	keepPortNumbers := false
	if opts.AppAutoSource {
		for _, src := range requested {
			if !strings.HasPrefix(src, "app") {
				continue
			}
			inst, ok := device.Lookup(doc, "/applications/instances/"+src)
			if !ok {
				return nil, fmt.Errorf("%w: no application %s", ErrUnknownSource, src)
			}
			class, _ := device.LookupString(inst, "class")
			if _, ok := device.Lookup(inst, "configuration/activePorts"); ok && class == config.ClassODS {
				keepPortNumbers = true
			}
			ports, _ := device.Lookup(inst, "ports")
			list, _ := ports.([]any)
			for _, p := range list {
				name, ok := p.(string)
				if !ok || slices.Contains(sources, name) {
					continue
				}
				logs.Infof("recorder.Resolve adding dependent source=%s app=%s", name, src)
				sources = append(sources, name)
			}
		}
	}

	firmware, _ := device.LookupString(doc, "/device/swVersion/firmware")
	plan := &Plan{Document: raw, Firmware: firmware}
	counters := map[string]int{}
	singles := map[string]bool{}
	nextID := 1
	for _, src := range sources {
		if nextID > 0xffff {
			return nil, ErrStreamIDOverflow
		}
		var (
			d   StreamDescriptor
			err error
		)
		switch {
		case strings.HasPrefix(src, "port"):
			d, err = resolvePort(doc, src, cat, opts, firmware, keepPortNumbers, counters, singles)
		default:
			d, err = resolveApp(doc, src, cat, counters)
		}
		if err != nil {
			return nil, err
		}
		d.StreamID = uint16(nextID)
		nextID++
		logs.Infof("recorder.Resolve source=%s stream=%s id=%d format=%s sensor=%s port=%d", d.Source, d.Stream, d.StreamID, d.Format, d.Sensor, d.PCICPort)
		plan.Descriptors = append(plan.Descriptors, d)
	}
	return plan, nil
}

func validSourceName(src string) bool {
	for _, prefix := range []string{"port", "app"} {
		if rest, ok := strings.CutPrefix(src, prefix); ok {
			_, err := strconv.Atoi(rest)
			return err == nil
		}
	}
	return false
}

func resolvePort(doc any, src string, cat config.Catalog, opts ResolveOptions, firmware string, keepPortNumbers bool, counters map[string]int, singles map[string]bool) (StreamDescriptor, error) {
	obj, ok := device.Lookup(doc, "/ports/"+src)
	if !ok {
		return StreamDescriptor{}, fmt.Errorf("%w: no device found on %s", ErrUnknownSource, src)
	}
	sensor, _ := device.LookupString(obj, "info/sensor")
	port, err := device.LookupInt(obj, "data/pcicTCPPort")
	if err != nil {
		return StreamDescriptor{}, fmt.Errorf("%w: %s: %v", ErrDeviceConfig, src, err)
	}
	name, class, known := cat.Classify(sensor)
	if !known {
		logs.Warnf("recorder.Resolve unknown device sensor=%q source=%s assuming 3D algo debug stream", sensor, src)
	}
	var stream string
	switch {
	case class.Single:
		if singles[name] {
			return StreamDescriptor{}, fmt.Errorf("%w: %s on %s", ErrSingleStream, name, src)
		}
		singles[name] = true
		stream = class.Prefix
	case keepPortNumbers:
		stream = class.Prefix + strings.TrimPrefix(src, "port")
	default:
		stream = class.Prefix + strconv.Itoa(counters[name])
		counters[name]++
	}

	mc := cat.MotionCompensation
	guard := false
	if (cat.MotionCompensationApplies(firmware) || opts.ForceDisableMotionCompensation) &&
		mc.SensorPrefix != "" && strings.HasPrefix(sensor, mc.SensorPrefix) {
		v, _ := device.Lookup(obj, mc.Pointer)
		guard = v == true
	}
	return StreamDescriptor{
		Source:             src,
		Stream:             stream,
		Class:              name,
		Format:             class.Format,
		ChunkFilter:        slices.Clone(class.ChunkFilter),
		OutputConfig:       class.OutputConfig,
		PCICPort:           port,
		Sensor:             sensor,
		MotionCompensation: guard,
	}, nil
}

func resolveApp(doc any, src string, cat config.Catalog, counters map[string]int) (StreamDescriptor, error) {
	inst, ok := device.Lookup(doc, "/applications/instances/"+src)
	if !ok {
		return StreamDescriptor{}, fmt.Errorf("%w: no application %s", ErrUnknownSource, src)
	}
	appClass, _ := device.LookupString(inst, "class")
	if appClass != config.ClassODS {
		return StreamDescriptor{}, fmt.Errorf("%w: %q on %s", ErrUnknownAppClass, appClass, src)
	}
	port, err := device.LookupInt(inst, "data/pcicTCPPort")
	if err != nil {
		return StreamDescriptor{}, fmt.Errorf("%w: %s: %v", ErrDeviceConfig, src, err)
	}
	class := cat.ODS
	stream := class.Prefix + strconv.Itoa(counters[config.ClassODS])
	counters[config.ClassODS]++
	return StreamDescriptor{
		Source:       src,
		Stream:       stream,
		Class:        config.ClassODS,
		Format:       class.Format,
		ChunkFilter:  slices.Clone(class.ChunkFilter),
		OutputConfig: class.OutputConfig,
		PCICPort:     port,
		Sensor:       appClass,
	}, nil
}
