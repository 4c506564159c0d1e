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

import "github.com/samber/lo"

// Principal is the authenticated caller identity, built once by the API
// layer and threaded through operations that enforce ownership.
type Principal struct {
	UserID string
	Wallet string
	Roles  []string
}

const RoleAdmin = "admin"

func (p Principal) IsAdmin() bool {
	return lo.Contains(p.Roles, RoleAdmin)
}

// Owns reports whether the principal may act on a resource owned by ownerID.
func (p Principal) Owns(ownerID string) bool {
	return p.IsAdmin() || p.UserID == ownerID
}
