package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	logs "github.com/danmuck/pcicrec/internal/logging"
	"github.com/danmuck/pcicrec/internal/protocol"
)

var (
	ErrUnknownSource = errors.New("device: unknown source")
	ErrNotFound      = errors.New("device: path not found")
)

// SourcePath returns the configuration path segments of a port or
// application instance, e.g. ["ports","port2"] or
// ["applications","instances","app0"].
func SourcePath(source string) ([]string, error) {
	switch {
	case strings.HasPrefix(source, "port"):
		return []string{"ports", source}, nil
	case strings.HasPrefix(source, "app"):
		return []string{"applications", "instances", source}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
}

// Nest wraps value in one object per path segment.
func Nest(path []string, value any) map[string]any {
	out := map[string]any{path[len(path)-1]: value}
	for i := len(path) - 2; i >= 0; i-- {
		out = map[string]any{path[i]: out}
	}
	return out
}

// Lookup resolves a slash separated pointer in doc. Empty segments are
// skipped, so "/ports/port2" and "ports/port2" are equivalent.
func Lookup(doc any, pointer string) (any, bool) {
	cur := doc
	for _, key := range strings.Split(pointer, "/") {
		if key == "" {
			continue
		}
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Decode unmarshals a configuration document with numbers kept as
// json.Number.
func Decode(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return doc, nil
}

// GetDocument fetches and decodes paths.
func GetDocument(ctx context.Context, c Client, paths ...string) (any, error) {
	raw, err := c.Get(ctx, paths)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}

// PCICPort resolves the PCIC TCP port of source.
func PCICPort(ctx context.Context, c Client, source string) (int, error) {
	path, err := SourcePath(source)
	if err != nil {
		return 0, err
	}
	pointer := "/" + strings.Join(path, "/") + "/data/pcicTCPPort"
	doc, err := GetDocument(ctx, c, pointer)
	if err != nil {
		return 0, err
	}
	// the service answers with the subtree nested under the full path
	v, ok := Lookup(doc, pointer)
	if !ok {
		v = doc
		for {
			m, isMap := v.(map[string]any)
			if !isMap || len(m) != 1 {
				break
			}
			for _, inner := range m {
				v = inner
			}
		}
	}
	port, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrNotFound, pointer, err)
	}
	logs.Debugf("device.PCICPort source=%s port=%d", source, port)
	return port, nil
}

// SetAlgoDebug toggles the algo-debug output of source. With autostart the
// source is also moved to RUN (enable) or CONF (disable).
func SetAlgoDebug(ctx context.Context, c Client, source string, enabled, autostart bool) error {
	path, err := SourcePath(source)
	if err != nil {
		return err
	}
	req := map[string]any{"data": map[string]any{"algoDebugFlag": enabled}}
	if autostart {
		req["state"] = "CONF"
		if enabled {
			req["state"] = "RUN"
		}
	}
	return SetValue(ctx, c, path, req)
}

// SetValue writes value at path.
func SetValue(ctx context.Context, c Client, path []string, value any) error {
	doc, err := json.Marshal(Nest(path, value))
	if err != nil {
		return err
	}
	logs.Debugf("device.SetValue doc=%s", doc)
	return c.Set(ctx, doc)
}

// MatchesExpected checks each pointer of expected (relative to the source
// object) against its allowed values. Any miss is ErrConfigMismatch.
func MatchesExpected(ctx context.Context, c Client, source string, expected map[string][]any) error {
	if len(expected) == 0 {
		return nil
	}
	path, err := SourcePath(source)
	if err != nil {
		return err
	}
	prefix := "/" + strings.Join(path, "/")
	doc, err := GetDocument(ctx, c, prefix)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", protocol.ErrConfigMismatch, source, err)
	}
	obj, ok := Lookup(doc, prefix)
	if !ok {
		return fmt.Errorf("%w: %s: source object missing", protocol.ErrConfigMismatch, source)
	}
	for _, pointer := range slices.Sorted(maps.Keys(expected)) {
		got, ok := Lookup(obj, pointer)
		if !ok {
			return fmt.Errorf("%w: %s: cannot resolve %s", protocol.ErrConfigMismatch, source, pointer)
		}
		if !containsValue(expected[pointer], got) {
			logs.Debugf("device.MatchesExpected source=%s pointer=%s got=%v allowed=%v", source, pointer, got, expected[pointer])
			return fmt.Errorf("%w: %s: %s=%v", protocol.ErrConfigMismatch, source, pointer, got)
		}
	}
	return nil
}

// IsLegacy reports firmware older than 0.16, which does not accept the
// output configuration commands.
func IsLegacy(ctx context.Context, c Client) (bool, error) {
	v, err := c.SoftwareVersion(ctx)
	if err != nil {
		return false, err
	}
	parts := strings.Split(v["Main_Application"], ".")
	if len(parts) < 2 {
		return false, nil
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return false, nil
	}
	return major == 0 && minor < 16, nil
}

func containsValue(allowed []any, got any) bool {
	gs := fmt.Sprint(got)
	for _, a := range allowed {
		if fmt.Sprint(a) == gs {
			return true
		}
	}
	return false
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// LookupInt resolves pointer and converts the value to int.
func LookupInt(doc any, pointer string) (int, error) {
	v, ok := Lookup(doc, pointer)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, pointer)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrNotFound, pointer, err)
	}
	return n, nil
}

// LookupString resolves pointer to a string value.
func LookupString(doc any, pointer string) (string, bool) {
	v, ok := Lookup(doc, pointer)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
