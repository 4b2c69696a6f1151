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

package mtime

import "time"

// ntpEpochOffset is the difference between the NTP epoch (1900-01-01)
// and the Unix epoch (1970-01-01), in seconds.
const ntpEpochOffset = 2208988800

func nowDouble() float64 {
	now := time.Now()
	return float64(now.Unix()+ntpEpochOffset) + float64(now.Nanosecond())/1e9
}
