// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command horust is the supervisor's entry point: it loads service
// definitions, runs the engine to completion, and exits with spec.md
// §6's exit code convention. Grounded on the teacher's govisord/main.go
// (flag parsing, signal wiring, "build everything then Run()"
// structure), rebuilt on cobra/viper-less spf13/cobra flags since
// that's the rest of the pack's CLI stack.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	horust "github.com/FedericoPonzi/Horust"
	"github.com/FedericoPonzi/Horust/control"
	"github.com/FedericoPonzi/Horust/httpstatus"
	"github.com/FedericoPonzi/Horust/loader"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// exitInternalError is spec.md §6's "101+" band for startup failures:
// bad config, I/O failure before the engine ever runs.
const exitInternalError = 101

func main() {
	os.Exit(run())
}

func run() int {
	var (
		servicesPath         []string
		timeoutBeforeSigkill string
		udsFolderPath        string
		configPath           string
		sampleService        bool
		httpAddr             string
	)

	cmd := &cobra.Command{
		Use:           "horust [flags] [-- command args...]",
		Short:         "A supervisor for running and monitoring a set of services",
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().StringArrayVar(&servicesPath, "services-path", nil, "path to a service file or directory (repeatable)")
	cmd.Flags().StringVar(&timeoutBeforeSigkill, "timeout-before-sigkill", "", "duration to wait after SIGTERM before SIGKILL")
	cmd.Flags().StringVar(&udsFolderPath, "uds-folder-path", "", "directory for the control socket")
	cmd.Flags().StringVar(&configPath, "config", "", "path to the engine's own YAML configuration file")
	cmd.Flags().BoolVar(&sampleService, "sample-service", false, "print a sample service file to stdout and exit")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "address for the read-only HTTP status surface, e.g. 127.0.0.1:7837 (disabled if empty)")

	exitCode := 0
	cmd.RunE = func(c *cobra.Command, args []string) error {
		if sampleService {
			fmt.Print(loader.SampleService())
			return nil
		}

		cfg := loader.DefaultEngineConfig()
		if configPath != "" {
			loaded, err := loader.LoadEngineConfig(configPath)
			if err != nil {
				exitCode = exitInternalError
				return err
			}
			cfg = loaded
		}
		if len(servicesPath) > 0 {
			cfg.ServicesPath = servicesPath
		}
		if timeoutBeforeSigkill != "" {
			d, err := time.ParseDuration(timeoutBeforeSigkill)
			if err != nil {
				exitCode = exitInternalError
				return err
			}
			cfg.TimeoutBeforeSigkill = d
		}
		if udsFolderPath != "" {
			cfg.UdsFolderPath = udsFolderPath
		}

		var specs []*horust.ServiceSpec
		if len(args) > 0 {
			specs = []*horust.ServiceSpec{loader.FromCommand(joinArgs(args))}
		} else {
			loaded, err := loader.LoadServicesDirWithDefaultWait(cfg.ServicesPath, cfg.TimeoutBeforeSigkill)
			if err != nil {
				exitCode = exitInternalError
				return err
			}
			specs = loaded
		}

		ring := horust.NewRingLog()
		log := horust.NewLogger(ring.Core())
		defer log.Sync()

		engine, err := horust.NewEngine(specs, horust.NullLimitApplier{}, log)
		if err != nil {
			exitCode = exitInternalError
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// SIGTERM/SIGINT/SIGQUIT are handled by the engine's own Reaper
		// (component E), which publishes ShutdownInitiated on the bus;
		// no separate signal.Notify is needed here.

		ctrl := control.NewServer(engine.Repository, engine.Bus, log)
		if err := ctrl.Listen(cfg.UdsFolderPath); err != nil {
			exitCode = exitInternalError
			return err
		}
		defer ctrl.Close()
		go func() { _ = ctrl.Serve(ctx) }()
		log.Info("control socket listening", zap.String("path", ctrl.Path()))

		if httpAddr != "" {
			status := httpstatus.NewServer(engine.Repository, ring, engine.Bus, log)
			httpSrv := &http.Server{Addr: httpAddr, Handler: status}
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Warn("http status surface exited", zap.Error(err))
				}
			}()
			go func() { <-ctx.Done(); _ = httpSrv.Close() }()
		}

		exitCode = engine.Run(ctx)
		return nil
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "horust:", err)
		if exitCode == 0 {
			exitCode = exitInternalError
		}
	}
	return exitCode
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}
