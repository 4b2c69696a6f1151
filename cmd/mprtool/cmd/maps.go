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
	"strings"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mprmesh/mapper/discovery"
)

func init() {
	RootCmd.AddCommand(mapsCmd)
}

var mapsCmd = &cobra.Command{
	Use:   "maps",
	Short: "List maps announced on the bus",
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()
		g, err := mirror(discovery.MapsIn | discovery.MapsOut)
		if err != nil {
			log.Fatal(err)
		}
		defer g.Close()

		maps := g.Maps()
		sort.Slice(maps, func(i, j int) bool { return maps[i].ID < maps[j].ID })

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"id", "sources", "destination", "expression"})
		for _, m := range maps {
			table.Append([]string{
				fmt.Sprintf("%#x", m.ID),
				strings.Join(m.Sources, ", "),
				m.Dest,
				m.Expression,
			})
		}
		table.Render()
	},
}
