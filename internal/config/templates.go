package config

import (
	"fmt"
	"os"
)

// Template returns a commented catalog file matching DefaultCatalog.
func Template() string {
	return catalogTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(catalogTemplate), 0o644)
}

const catalogTemplate = `# pcicrec sensor catalog
config_stream = "o3r_json"

[three_d]
prefix = "o3r_di_"
format = "imeas"
output_config = 8
sensors = ["IRS2381C", "IRS2877"]

[two_d]
prefix = "o3r_2d_"
format = "O3Rjpeg"
chunk_filter = [421, 260]
output_config = 1
sensors = ["OV9782"]

[imu]
prefix = "o3r_imu"
format = "imeas"
output_config = 8
sensors = ["IIM42652"]
single = true

[ods]
prefix = "o3r_ods_"
format = "imeas"
output_config = 8

[motion_compensation]
sensor_prefix = "IRS2381"
firmware_prefixes = ["1.0.8-", "1.0.9-", "1.0.10-"]
pointer = "processing/diParam/enableFloorMotionCompensation"
settle_ms = 1000
`
