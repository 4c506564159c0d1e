/*
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

// Package backoff implements the fleet-wide retry delay policy shared by the
// obligation engine and the system-VM controller.
package backoff

import (
	"time"
)

const (
	baseDelay = 30 * time.Second
	maxDelay  = 5 * time.Minute
	// The exponent is capped so that the delay curve flattens after five
	// failures instead of overflowing.
	maxShift = 4
)

// Delay returns min(30s * 2^min(failureCount-1, 4), 5m). A failure count of
// zero or one yields the base delay.
func Delay(failureCount int) time.Duration {
	shift := failureCount - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxShift {
		shift = maxShift
	}
	d := baseDelay * (1 << shift)
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
