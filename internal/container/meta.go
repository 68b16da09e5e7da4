package container

import (
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ContainerFormat names the file format in the meta record.
const ContainerFormat = "pcicrec"

// Meta is the first record of every file.
type Meta struct {
	Format      string            `cbor:"format"`
	Version     uint16            `cbor:"version"`
	CreatedUS   int64             `cbor:"created_us"`
	RecordingID string            `cbor:"recording_id"`
	Attrs       map[string]string `cbor:"attrs,omitempty"`
}

func (m Meta) CreatedAt() time.Time {
	return time.UnixMicro(m.CreatedUS)
}

// StreamDef declares one stream. Format is pinned by the first write when
// left empty; a later stream record with the same ID replaces the earlier.
type StreamDef struct {
	ID     uint16            `cbor:"id"`
	Name   string            `cbor:"name"`
	Format string            `cbor:"format,omitempty"`
	Source string            `cbor:"source,omitempty"`
	Sensor string            `cbor:"sensor,omitempty"`
	Attrs  map[string]string `cbor:"attrs,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("container: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic("container: cbor decoder: " + err.Error())
	}
}

func marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshal(b []byte, v any) error {
	return decMode.Unmarshal(b, v)
}
