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

package ingress_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/errors"
	"github.com/gridmesh/controlplane/pkg/ingress"
)

var _ = Describe("HashGuard", func() {
	var (
		ctx     context.Context
		edge    *ingress.Fake
		applier ingress.ConfigApplier
		routes  []core.IngressRoute
	)

	BeforeEach(func() {
		ctx = context.Background()
		edge = ingress.NewFake()
		applier = ingress.WithHashGuard(edge)
		routes = []core.IngressRoute{
			{Subdomain: "web-1", TargetIP: "10.0.0.5", TargetPort: 8080},
			{Subdomain: "api-1", TargetIP: "10.0.0.6", TargetPort: 9090},
		}
	})

	It("should suppress uploads of an unchanged route set", func() {
		Expect(applier.ApplyRoutes(ctx, routes)).To(Succeed())
		Expect(applier.ApplyRoutes(ctx, routes)).To(Succeed())
		Expect(edge.Applies()).To(Equal(1))
	})

	It("should upload again when the route set changes", func() {
		Expect(applier.ApplyRoutes(ctx, routes)).To(Succeed())
		changed := append(routes, core.IngressRoute{Subdomain: "db-1", TargetIP: "10.0.0.7", TargetPort: 5432})
		Expect(applier.ApplyRoutes(ctx, changed)).To(Succeed())
		Expect(edge.Applies()).To(Equal(2))
	})

	It("should retry after a failed upload even when the routes are unchanged", func() {
		edge.NextError = errors.Transient(nil, "edge unreachable")
		Expect(applier.ApplyRoutes(ctx, routes)).NotTo(Succeed())
		Expect(applier.ApplyRoutes(ctx, routes)).To(Succeed())
		Expect(edge.Applies()).To(Equal(1))
	})

	It("should not suppress the apply following a removal", func() {
		Expect(applier.ApplyRoutes(ctx, routes)).To(Succeed())
		Expect(applier.RemoveRoute(ctx, "web-1")).To(Succeed())
		Expect(applier.ApplyRoutes(ctx, routes)).To(Succeed())
		Expect(edge.Applies()).To(Equal(2))
		Expect(edge.RemoveCalls).To(ConsistOf("web-1"))
	})
})
