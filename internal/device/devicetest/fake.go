// Package devicetest provides an in-memory device configuration service.
package devicetest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/pcicrec/internal/device"
)

// Fake serves a mutable JSON document. Set merges objects into it.
type Fake struct {
	mu      sync.Mutex
	doc     map[string]any
	sets    []json.RawMessage
	version map[string]string

	// GetErr and SetErr, when non-nil, fail every call.
	GetErr error
	SetErr error
}

var _ device.Client = (*Fake)(nil)

func New(doc map[string]any) *Fake {
	if doc == nil {
		doc = map[string]any{}
	}
	return &Fake{doc: doc, version: map[string]string{"Main_Application": "1.4.30"}}
}

// Port returns a minimal port object for a sensor.
func Port(sensor string, pcicPort int) map[string]any {
	return map[string]any{
		"info": map[string]any{
			"sensor":       sensor,
			"serialNumber": "000000000000",
			"features":     map[string]any{"type": "3D"},
		},
		"data":       map[string]any{"pcicTCPPort": pcicPort, "algoDebugFlag": false},
		"processing": map[string]any{"diParam": map[string]any{"enableFloorMotionCompensation": false}},
		"state":      "RUN",
	}
}

func (f *Fake) SetVersion(v map[string]string) {
	f.mu.Lock()
	f.version = v
	f.mu.Unlock()
}

func (f *Fake) Get(_ context.Context, paths []string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	out := map[string]any{}
	for _, p := range paths {
		if strings.Trim(p, "/") == "" {
			return json.Marshal(f.doc)
		}
		v, ok := device.Lookup(f.doc, p)
		if !ok {
			return nil, fmt.Errorf("devicetest: %s not found", p)
		}
		merge(out, device.Nest(strings.Split(strings.Trim(p, "/"), "/"), v))
	}
	return json.Marshal(out)
}

func (f *Fake) Set(_ context.Context, doc json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetErr != nil {
		return f.SetErr
	}
	var patch map[string]any
	if err := json.Unmarshal(doc, &patch); err != nil {
		return err
	}
	f.sets = append(f.sets, append(json.RawMessage(nil), doc...))
	merge(f.doc, patch)
	return nil
}

func (f *Fake) SoftwareVersion(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.version, nil
}

// Sets returns every document passed to Set, oldest first.
func (f *Fake) Sets() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.sets...)
}

// Value resolves pointer in the current document.
func (f *Fake) Value(pointer string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return device.Lookup(f.doc, pointer)
}

func merge(dst, src map[string]any) {
	for k, v := range src {
		sub, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		cur, ok := dst[k].(map[string]any)
		if !ok {
			cur = map[string]any{}
			dst[k] = cur
		}
		merge(cur, sub)
	}
}
