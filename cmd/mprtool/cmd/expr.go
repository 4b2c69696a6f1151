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
	"strconv"
	"strings"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mprmesh/mapper/expr"
	"github.com/mprmesh/mapper/valuebuf"
)

var (
	exprSrcFlag []string
	exprDstFlag string
)

func init() {
	RootCmd.AddCommand(exprCmd)
	exprCmd.Flags().StringSliceVarP(&exprSrcFlag, "src", "s", []string{"f:1"}, "source shape as type:length (repeatable), e.g. f:3")
	exprCmd.Flags().StringVarP(&exprDstFlag, "dst", "d", "f:1", "destination shape as type:length")
}

// parseShape turns "f:3" into an IOShape.
func parseShape(s string) (expr.IOShape, error) {
	parts := strings.SplitN(s, ":", 2)
	var typ valuebuf.Type
	switch parts[0] {
	case "i":
		typ = valuebuf.Int32
	case "f":
		typ = valuebuf.Float32
	case "d":
		typ = valuebuf.Float64
	default:
		return expr.IOShape{}, fmt.Errorf("unknown type %q (want i, f, or d)", parts[0])
	}
	vlen := 1
	if len(parts) == 2 {
		var err error
		vlen, err = strconv.Atoi(parts[1])
		if err != nil || vlen < 1 {
			return expr.IOShape{}, fmt.Errorf("bad vector length %q", parts[1])
		}
	}
	return expr.IOShape{Vlen: vlen, Type: typ}, nil
}

var exprCmd = &cobra.Command{
	Use:   "expr <expression>",
	Short: "Parse a map expression and dump the compiled program",
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()
		sources := make([]expr.IOShape, 0, len(exprSrcFlag))
		for _, s := range exprSrcFlag {
			shape, err := parseShape(s)
			if err != nil {
				log.Fatal(err)
			}
			sources = append(sources, shape)
		}
		dst, err := parseShape(exprDstFlag)
		if err != nil {
			log.Fatal(err)
		}

		prog, err := expr.Parse(args[0], sources, dst)
		if err != nil {
			fmt.Printf("%s %v\n", color.RedString("[FAIL]"), err)
			return
		}
		fmt.Printf("%s %s\n", color.GreenString("[ OK ]"), args[0])
		for _, line := range prog.Describe() {
			fmt.Println("  " + line)
		}
	},
}
