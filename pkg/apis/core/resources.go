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

package core

// Resources is the normalized capacity vector used for scheduling and
// reservation accounting. ComputePoints are benchmark-scaled capacity units,
// see pkg/scheduling for the cost model.
type Resources struct {
	ComputePoints int64 `json:"computePoints"`
	MemoryBytes   int64 `json:"memoryBytes"`
	StorageBytes  int64 `json:"storageBytes"`
}

func (r Resources) Add(other Resources) Resources {
	return Resources{
		ComputePoints: r.ComputePoints + other.ComputePoints,
		MemoryBytes:   r.MemoryBytes + other.MemoryBytes,
		StorageBytes:  r.StorageBytes + other.StorageBytes,
	}
}

// Sub subtracts other from r, flooring each dimension at zero so that a
// double release can never drive a node's reservations negative.
func (r Resources) Sub(other Resources) Resources {
	return Resources{
		ComputePoints: max(r.ComputePoints-other.ComputePoints, 0),
		MemoryBytes:   max(r.MemoryBytes-other.MemoryBytes, 0),
		StorageBytes:  max(r.StorageBytes-other.StorageBytes, 0),
	}
}

// Fits reports whether r fits entirely within available.
func (r Resources) Fits(available Resources) bool {
	return r.ComputePoints <= available.ComputePoints &&
		r.MemoryBytes <= available.MemoryBytes &&
		r.StorageBytes <= available.StorageBytes
}

func (r Resources) IsZero() bool {
	return r == Resources{}
}
