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

// Command horustctl is a small CLI client for a running horust
// supervisor's UNIX domain control socket.
package main

import (
	"fmt"
	"os"

	"github.com/FedericoPonzi/Horust/control"
	"github.com/spf13/cobra"
)

func main() {
	var sockPath string

	root := &cobra.Command{
		Use:           "horustctl",
		Short:         "Control a running horust supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&sockPath, "socket", "", "path to the supervisor's control socket (required)")

	statusCmd := &cobra.Command{
		Use:   "status [service]",
		Short: "Print one or every service's status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			client, err := dial(sockPath)
			if err != nil {
				return err
			}
			defer client.Close()
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			statuses, err := client.Status(name)
			if err != nil {
				return err
			}
			for _, s := range statuses {
				fmt.Printf("%-20s %-16s pid=%-8d attempts=%-4d unhealthy=%d\n",
					s.Name, s.Status, s.Pid, s.StartAttempts, s.ConsecutiveUnhealthy)
			}
			return nil
		},
	}

	startCmd := &cobra.Command{
		Use:   "start <service>",
		Short: "Restart a terminal service",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			client, err := dial(sockPath)
			if err != nil {
				return err
			}
			defer client.Close()
			return client.Start(args[0])
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop <service>",
		Short: "Stop a running service",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			client, err := dial(sockPath)
			if err != nil {
				return err
			}
			defer client.Close()
			return client.Stop(args[0])
		},
	}

	root.AddCommand(statusCmd, startCmd, stopCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "horustctl:", err)
		os.Exit(1)
	}
}

func dial(sockPath string) (*control.Client, error) {
	if sockPath == "" {
		return nil, fmt.Errorf("horustctl: --socket is required")
	}
	return control.Dial(sockPath)
}
