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

package ingress

import (
	"context"
	"sync"

	"github.com/gridmesh/controlplane/pkg/apis/core"
)

// Fake records applies for tests.
type Fake struct {
	mu sync.Mutex

	ApplyCalls  [][]core.IngressRoute
	RemoveCalls []string
	NextError   error
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) ApplyRoutes(ctx context.Context, routes []core.IngressRoute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.NextError; err != nil {
		f.NextError = nil
		return err
	}
	f.ApplyCalls = append(f.ApplyCalls, append([]core.IngressRoute(nil), routes...))
	return nil
}

func (f *Fake) RemoveRoute(ctx context.Context, subdomain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.NextError; err != nil {
		f.NextError = nil
		return err
	}
	f.RemoveCalls = append(f.RemoveCalls, subdomain)
	return nil
}

// Applies returns how many uploads reached the fake.
func (f *Fake) Applies() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ApplyCalls)
}
