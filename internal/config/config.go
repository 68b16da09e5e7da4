package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Stream class names used by Catalog.Classify.
const (
	ClassThreeD = "three_d"
	ClassTwoD   = "two_d"
	ClassIMU    = "imu"
	ClassODS    = "ods"
)

// StreamClass describes how one kind of source is recorded.
type StreamClass struct {
	Prefix       string   `toml:"prefix"`
	Format       string   `toml:"format"`
	ChunkFilter  []uint32 `toml:"chunk_filter"`
	OutputConfig int      `toml:"output_config"`
	Sensors      []string `toml:"sensors"`
	// Single allows at most one stream of this class per recording.
	Single bool `toml:"single"`
}

type MotionCompensation struct {
	SensorPrefix     string   `toml:"sensor_prefix"`
	FirmwarePrefixes []string `toml:"firmware_prefixes"`
	// Pointer is relative to the port object.
	Pointer  string `toml:"pointer"`
	SettleMS int    `toml:"settle_ms"`
}

// Catalog maps sensor names and application classes to stream classes.
type Catalog struct {
	ThreeD             StreamClass        `toml:"three_d"`
	TwoD               StreamClass        `toml:"two_d"`
	IMU                StreamClass        `toml:"imu"`
	ODS                StreamClass        `toml:"ods"`
	ConfigStream       string             `toml:"config_stream"`
	MotionCompensation MotionCompensation `toml:"motion_compensation"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		ThreeD: StreamClass{
			Prefix:       "o3r_di_",
			Format:       "imeas",
			OutputConfig: 8,
			Sensors:      []string{"IRS2381C", "IRS2877"},
		},
		TwoD: StreamClass{
			Prefix:       "o3r_2d_",
			Format:       "O3Rjpeg",
			ChunkFilter:  []uint32{421, 260},
			OutputConfig: 1,
			Sensors:      []string{"OV9782"},
		},
		IMU: StreamClass{
			Prefix:       "o3r_imu",
			Format:       "imeas",
			OutputConfig: 8,
			Sensors:      []string{"IIM42652"},
			Single:       true,
		},
		ODS: StreamClass{
			Prefix:       "o3r_ods_",
			Format:       "imeas",
			OutputConfig: 8,
		},
		ConfigStream: "o3r_json",
		MotionCompensation: MotionCompensation{
			SensorPrefix:     "IRS2381",
			FirmwarePrefixes: []string{"1.0.8-", "1.0.9-", "1.0.10-"},
			Pointer:          "processing/diParam/enableFloorMotionCompensation",
			SettleMS:         1000,
		},
	}
}

// LoadCatalog overlays the TOML file at path on DefaultCatalog.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cat, err := ParseCatalog(data)
	if err != nil {
		return Catalog{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cat, nil
}

func ParseCatalog(data []byte) (Catalog, error) {
	cat := DefaultCatalog()
	if err := toml.Unmarshal(data, &cat); err != nil {
		return Catalog{}, err
	}
	if err := ValidateCatalog(cat); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

func ValidateCatalog(cat Catalog) error {
	classes := map[string]StreamClass{ClassThreeD: cat.ThreeD, ClassTwoD: cat.TwoD, ClassIMU: cat.IMU, ClassODS: cat.ODS}
	prefixes := map[string]string{}
	for name, c := range classes {
		if err := validateClass(c); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
		if other, dup := prefixes[c.Prefix]; dup {
			return fmt.Errorf("%s and %s share prefix %q", name, other, c.Prefix)
		}
		prefixes[c.Prefix] = name
	}
	if strings.TrimSpace(cat.ConfigStream) == "" {
		return fmt.Errorf("config_stream is required")
	}
	mc := cat.MotionCompensation
	if mc.SettleMS < 0 {
		return fmt.Errorf("motion_compensation settle_ms must be >= 0")
	}
	if strings.TrimSpace(mc.SensorPrefix) != "" && strings.Trim(mc.Pointer, "/") == "" {
		return fmt.Errorf("motion_compensation pointer is required")
	}
	return nil
}

func validateClass(c StreamClass) error {
	if strings.TrimSpace(c.Prefix) == "" {
		return fmt.Errorf("prefix is required")
	}
	if strings.TrimSpace(c.Format) == "" {
		return fmt.Errorf("format is required")
	}
	if c.Format != "imeas" && len(c.ChunkFilter) == 0 {
		return fmt.Errorf("chunk_filter required for format %s", c.Format)
	}
	if c.OutputConfig <= 0 {
		return fmt.Errorf("output_config must be > 0")
	}
	return nil
}

// Classify returns the class for a port sensor. Unknown sensors fall back
// to ClassThreeD with known=false.
func (cat Catalog) Classify(sensor string) (name string, class StreamClass, known bool) {
	for _, c := range []struct {
		name  string
		class StreamClass
	}{{ClassTwoD, cat.TwoD}, {ClassIMU, cat.IMU}, {ClassThreeD, cat.ThreeD}} {
		for _, s := range c.class.Sensors {
			if s == sensor {
				return c.name, c.class, true
			}
		}
	}
	return ClassThreeD, cat.ThreeD, false
}

// MotionCompensationApplies reports whether firmware is one of the
// versions that need the guard.
func (cat Catalog) MotionCompensationApplies(firmware string) bool {
	for _, p := range cat.MotionCompensation.FirmwarePrefixes {
		if strings.HasPrefix(firmware, p) {
			return true
		}
	}
	return false
}
