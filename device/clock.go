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

package device

import (
	"fmt"
	"math"

	"github.com/Knetic/govaluate"
	log "github.com/sirupsen/logrus"

	"github.com/mprmesh/mapper/discovery"
	"github.com/mprmesh/mapper/mtime"
)

// maxPlausibleLatency and futureTolerance are the timing anomaly
// bounds: a latency outside (0, 100s) skips correction, and a
// remote timestamp more than 100s in the future is a timing anomaly
// that still gets processed but never corrects the clock.
const (
	maxPlausibleLatency = 100.0
	futureTolerance     = 100.0
	offsetHistoryLen    = 64
)

// Clock is a Device's offset/rate-tracked view of network time. The
// sync-ring/round-trip bookkeeping itself lives in
// discovery.SyncTracker; Clock layers the offset/rate correction and
// confidence formula on top.
type Clock struct {
	offset     float64 // seconds to add to raw mtime.Now() to get network time
	rate       float64
	confidence float64

	tracker *discovery.SyncTracker

	confidenceExpr *govaluate.EvaluableExpression
	offsetHistory  []float64 // recent |correction| magnitudes, for the confidence formula
}

// NewClock builds a Clock whose confidence decay uses formula (or
// DefaultClockConfidenceFormula if empty). The formula is parsed once
// at construction so a malformed formula fails fast instead of on the
// hot path.
func NewClock(formula string) (*Clock, error) {
	if formula == "" {
		formula = DefaultClockConfidenceFormula
	}
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(formula, confidenceFuncs)
	if err != nil {
		return nil, fmt.Errorf("device: clock confidence formula: %w", err)
	}
	return &Clock{
		rate:           1.0,
		confidence:     1.0,
		tracker:        discovery.NewSyncTracker(),
		confidenceExpr: expr,
	}, nil
}

// Now returns the device's current network-adjusted time.
func (c *Clock) Now() mtime.Time {
	return mtime.AddSeconds(mtime.Now(), c.offset)
}

// Confidence reports the clock's current sync confidence in [0,1].
func (c *Clock) Confidence() float64 { return c.confidence }

// BuildPing constructs the next outgoing /sync message for devName.
func (c *Clock) BuildPing(devName string) discovery.SyncMsg {
	return c.tracker.BuildPing(devName, c.confidence, c.Now())
}

// ApplySync processes an inbound /sync: a matched
// round-trip latency in (0, 100s) corrects the offset; a matched latency
// outside that range skips correction; with no matching ping in the
// ring the offset drifts slowly toward the
// sender's reported time at half confidence; a sender timestamp more
// than 100s in the future is a timing anomaly that skips correction
// entirely, though the ping is still recorded for future round-trips.
func (c *Clock) ApplySync(msg discovery.SyncMsg) {
	now := c.Now()
	latency, hasLatency := c.tracker.OnSync(msg, now)

	if mtime.Diff(msg.SenderTime, now) > futureTolerance {
		log.Warningf("device: clock: peer %s timestamp %.3fs in the future, skipping correction", msg.DevName, mtime.Diff(msg.SenderTime, now))
		return
	}

	var correction float64
	switch {
	case hasLatency && latency > 0 && latency < maxPlausibleLatency:
		remoteNow := mtime.ToDouble(msg.SenderTime) + latency
		correction = remoteNow - mtime.ToDouble(now)
		c.offset += correction
	case hasLatency:
		// implausible round-trip latency: skip correction
		return
	default:
		// slow drift toward the remote time at half confidence when no
		// round-trip measurement is available.
		target := mtime.Diff(msg.SenderTime, now)
		correction = 0.5 * c.confidence * target
		c.offset += correction
	}

	c.recordOffset(correction)
	c.recomputeConfidence()
}

func (c *Clock) recordOffset(correction float64) {
	c.offsetHistory = append(c.offsetHistory, math.Abs(correction))
	if len(c.offsetHistory) > offsetHistoryLen {
		c.offsetHistory = c.offsetHistory[len(c.offsetHistory)-offsetHistoryLen:]
	}
}

func (c *Clock) recomputeConfidence() {
	result, err := c.confidenceExpr.Evaluate(map[string]interface{}{
		"offsets": c.offsetHistory,
	})
	if err != nil {
		log.Warningf("device: clock confidence formula evaluation failed: %v", err)
		return
	}
	v, ok := result.(float64)
	if !ok {
		return
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	c.confidence = v
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

func lastN(xs []float64, n int) []float64 {
	if n >= len(xs) {
		return xs
	}
	return xs[len(xs)-n:]
}

// confidenceFuncs are the govaluate functions available to
// ClockConfidenceFormula: mean/stddev over the last N samples of the
// named history.
var confidenceFuncs = map[string]govaluate.ExpressionFunction{
	"mean": func(args ...interface{}) (interface{}, error) {
		xs, n, err := historyArgs(args)
		if err != nil {
			return nil, err
		}
		return mean(lastN(xs, n)), nil
	},
	"stddev": func(args ...interface{}) (interface{}, error) {
		xs, n, err := historyArgs(args)
		if err != nil {
			return nil, err
		}
		return stddev(lastN(xs, n)), nil
	},
}

func historyArgs(args []interface{}) ([]float64, int, error) {
	if len(args) != 2 {
		return nil, 0, fmt.Errorf("device: clock confidence formula: want 2 arguments, got %d", len(args))
	}
	xs, ok := args[0].([]float64)
	if !ok {
		return nil, 0, fmt.Errorf("device: clock confidence formula: first argument must be a history list")
	}
	n, ok := args[1].(float64)
	if !ok {
		return nil, 0, fmt.Errorf("device: clock confidence formula: second argument must be a number")
	}
	return xs, int(n), nil
}
