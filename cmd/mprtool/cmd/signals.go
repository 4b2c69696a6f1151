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

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mprmesh/mapper/discovery"
)

var signalsDeviceFlag string

func init() {
	RootCmd.AddCommand(signalsCmd)
	signalsCmd.Flags().StringVarP(&signalsDeviceFlag, "device", "d", "", "only list signals of this device")
}

var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "List signals announced on the bus",
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()
		g, err := mirror(discovery.Device | discovery.Inputs | discovery.Outputs)
		if err != nil {
			log.Fatal(err)
		}
		defer g.Close()

		signals := g.Signals()
		sort.Slice(signals, func(i, j int) bool { return signals[i].FullPath() < signals[j].FullPath() })

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"signal", "direction", "length", "type"})
		for _, s := range signals {
			if signalsDeviceFlag != "" && s.DeviceName != signalsDeviceFlag {
				continue
			}
			dir := color.CyanString(s.Direction)
			if s.Direction == "output" {
				dir = color.MagentaString(s.Direction)
			}
			table.Append([]string{s.FullPath(), dir, fmt.Sprintf("%d", s.Vlen), s.Type})
		}
		table.Render()
	},
}
