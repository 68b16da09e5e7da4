// configgen writes or validates the sensor catalog used by pcicrec.
package main

import (
	"os"

	"github.com/spf13/pflag"

	"github.com/danmuck/pcicrec/internal/config"
	logs "github.com/danmuck/pcicrec/internal/logging"
)

const defaultCatalogPath = "cmd/pcicrec/catalog.toml"

func main() {
	logs.ConfigureRuntime()
	output := pflag.String("output", defaultCatalogPath, "output path for the catalog template")
	validate := pflag.Bool("validate", false, "validate an existing catalog file")
	input := pflag.String("input", defaultCatalogPath, "catalog path for validation")
	force := pflag.Bool("force", false, "overwrite an existing catalog file")
	pflag.Parse()

	if *validate {
		cat, err := config.LoadCatalog(*input)
		if err != nil {
			logs.Errorf("configgen validate path=%s err=%v", *input, err)
			os.Exit(1)
		}
		logs.Infof("configgen validated catalog path=%s 3d_sensors=%v motion_compensation=%v", *input, cat.ThreeD.Sensors, cat.MotionCompensation.FirmwarePrefixes)
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		logs.Errorf("configgen write path=%s err=%v", *output, err)
		os.Exit(1)
	}
	logs.Infof("configgen wrote catalog template path=%s", *output)
}
