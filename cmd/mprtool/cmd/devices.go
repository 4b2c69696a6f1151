/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mprmesh/mapper/discovery"
	"github.com/mprmesh/mapper/graph"
)

func init() {
	RootCmd.AddCommand(devicesCmd)
}

// mirror joins the bus, listens for --wait ms, and hands back the
// populated Graph shared by the devices/signals/maps subcommands.
func mirror(flags discovery.SubscribeFlags) (*graph.Graph, error) {
	g := graph.New(flags)
	g.SetInterface(rootIfaceFlag)
	deadline := time.Now().Add(time.Duration(rootWaitFlag) * time.Millisecond)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if _, err := g.Poll(int(remaining.Milliseconds())); err != nil {
			return nil, err
		}
	}
	return g, nil
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices announced on the bus",
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()
		g, err := mirror(discovery.Device)
		if err != nil {
			log.Fatal(err)
		}
		defer g.Close()

		devices := g.Devices()
		sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"name", "mesh address", "last seen"})
		for _, d := range devices {
			table.Append([]string{
				color.GreenString(d.Name),
				fmt.Sprintf("%s:%d", d.MeshIP, d.MeshPort),
				d.LastSeen.Format(time.RFC3339),
			})
		}
		table.Render()
	},
}
