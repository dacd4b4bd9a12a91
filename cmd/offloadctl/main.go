package main

import (
	"fmt"
	"os"

	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/offloadrt/device-plugin/internal/config"
	"github.com/offloadrt/device-plugin/internal/image"
	"github.com/offloadrt/device-plugin/internal/logger"
	"github.com/offloadrt/device-plugin/internal/plugin"
)

func main() {
	var (
		log *zap.Logger
		cfg *config.Config
	)
	app := &cli.App{
		Name:  "offloadctl",
		Usage: "Inspect and exercise accelerator offload devices",
		Before: func(c *cli.Context) error {
			var err error
			path := c.String("config")
			if _, statErr := os.Stat(path); statErr == nil || c.IsSet("config") {
				cfg, err = config.LoadConfig(path)
			} else {
				cfg = config.Default()
			}
			if err != nil {
				return err
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			log = zapLogger.Named("offloadctl")
			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "config.yaml",
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"OFFLOAD_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "devices",
				Usage: "List offload devices and their launch limits",
				Action: func(c *cli.Context) error {
					drv, err := newDriver(cfg, log)
					if err != nil {
						return err
					}
					reg := plugin.New(drv, config.EnvFromOS(log), log)
					defer shutdown(reg, log)

					banner := figure.NewFigure("offloadctl", "", true)
					banner.Print()
					fmt.Println("")

					count := reg.DeviceCount()
					fmt.Printf("Driver:  %s\n", drv.Name())
					fmt.Printf("Devices: %d\n\n", count)
					for id := int32(0); id < count; id++ {
						if err := reg.InitDevice(id); err != nil {
							log.Warn("device initialization failed",
								zap.Int32("device", id), zap.Error(err))
							continue
						}
						lim, err := reg.Limits(id)
						if err != nil {
							return err
						}
						fmt.Printf("Device %d\n", id)
						fmt.Printf("  blocks per grid:   %d\n", lim.BlocksPerGrid)
						fmt.Printf("  threads per block: %d\n", lim.ThreadsPerBlock)
						fmt.Printf("  warp size:         %d\n", lim.WarpSize)
						fmt.Printf("  default teams:     %d\n", lim.DefaultNumTeams)
						fmt.Printf("  default threads:   %d\n", lim.DefaultNumThreads)
					}
					return nil
				},
			},
			{
				Name:      "validate",
				Usage:     "Check whether a device binary targets a loadable architecture",
				ArgsUsage: "FILE",
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						return cli.Exit("validate requires a binary file argument", 1)
					}
					data, err := os.ReadFile(path)
					if err != nil {
						return err
					}
					if !image.IsValid(data) {
						return cli.Exit(fmt.Sprintf("%s: not a loadable device binary", path), 1)
					}
					fmt.Printf("%s: ok\n", path)
					return nil
				},
			},
			{
				Name:  "bench",
				Usage: "Run a vector-add kernel on the simulator and verify the result",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "n",
						Value: 1 << 20,
						Usage: "Number of vector elements",
					},
				},
				Action: func(c *cli.Context) error {
					return runBench(log, c.Int("n"))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		if log != nil {
			log.Fatal("failed to run app", zap.Error(err))
		} else {
			panic(err)
		}
	}
}

func shutdown(reg *plugin.Registry, log *zap.Logger) {
	for _, err := range reg.Shutdown() {
		log.Warn("shutdown diagnostic", zap.Error(err))
	}
}
