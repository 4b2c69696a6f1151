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

package expr

import (
	"math"
	"math/rand"
)

// scalarFuncs is the scalar-function dispatch table,
// collapsed to one float64 implementation per name since the VM carries
// scalars as float64 internally and only tags the promoted Type for
// output coercion.
var scalarFuncs = map[string]func(args ...float64) (float64, error){
	"abs":   func(a ...float64) (float64, error) { return math.Abs(a[0]), nil },
	"sin":   func(a ...float64) (float64, error) { return math.Sin(a[0]), nil },
	"cos":   func(a ...float64) (float64, error) { return math.Cos(a[0]), nil },
	"tan":   func(a ...float64) (float64, error) { return math.Tan(a[0]), nil },
	"log":   func(a ...float64) (float64, error) { return math.Log(a[0]), nil },
	"exp":   func(a ...float64) (float64, error) { return math.Exp(a[0]), nil },
	"sqrt":  func(a ...float64) (float64, error) { return math.Sqrt(a[0]), nil },
	"floor": func(a ...float64) (float64, error) { return math.Floor(a[0]), nil },
	"ceil":  func(a ...float64) (float64, error) { return math.Ceil(a[0]), nil },
	"round": func(a ...float64) (float64, error) { return math.Round(a[0]), nil },
	"pow":   func(a ...float64) (float64, error) { return math.Pow(a[0], a[1]), nil },
	"hypot": func(a ...float64) (float64, error) { return math.Hypot(a[0], a[1]), nil },
	"min":   func(a ...float64) (float64, error) { return math.Min(a[0], a[1]), nil },
	"max":   func(a ...float64) (float64, error) { return math.Max(a[0], a[1]), nil },
	"midiToHz": func(a ...float64) (float64, error) {
		return 440 * math.Pow(2, (a[0]-69)/12), nil
	},
	"hzToMidi": func(a ...float64) (float64, error) {
		if a[0] <= 0 {
			return 0, errf("hzToMidi: frequency must be positive")
		}
		return 69 + 12*math.Log2(a[0]/440), nil
	},
}

// callScalar applies a scalar function elementwise over its argument
// vectors, broadcasting shorter arguments.
func callScalar(name string, args []Value) (Value, error) {
	fn, ok := scalarFuncs[name]
	if !ok {
		return Value{}, errf("unknown function %q", name)
	}
	n := 1
	for _, a := range args {
		if len(a.V) > n {
			n = len(a.V)
		}
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		scalarArgs := make([]float64, len(args))
		for j, a := range args {
			if len(a.V) == 0 {
				return Value{}, errf("%s: missing argument", name)
			}
			scalarArgs[j] = a.V[i%len(a.V)]
		}
		v, err := fn(scalarArgs...)
		if err != nil {
			return Value{}, errf("%s: %v", name, err)
		}
		out[i] = v
	}
	return Value{V: out, T: Float64}, nil
}

// callUniform implements the uniform() RNG function: uniform() returns a
// value in [0,1); uniform(hi) in [0,hi); uniform(lo,hi) in [lo,hi). The
// RNG is seeded per-map at compile time, so two peers running the
// identical map program do not need to agree on a value but one map's
// successive evaluations are reproducible given a fixed seed.
func callUniform(rng *rand.Rand, args []Value) (Value, error) {
	switch len(args) {
	case 0:
		return scalar(rng.Float64()), nil
	case 1:
		return scalar(rng.Float64() * args[0].V[0]), nil
	case 2:
		lo, hi := args[0].V[0], args[1].V[0]
		return scalar(lo + rng.Float64()*(hi-lo)), nil
	}
	return Value{}, errf("uniform: expected 0, 1, or 2 arguments")
}
