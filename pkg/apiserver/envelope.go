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

package apiserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/errors"
)

// Envelope is the uniform response wrapper.
type Envelope struct {
	OK    bool           `json:"ok"`
	Error *EnvelopeError `json:"error,omitempty"`
	Data  any            `json:"data,omitempty"`
}

type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{OK: true, Data: data})
}

func respondErr(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errors.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(Envelope{
		OK:    false,
		Error: &EnvelopeError{Code: errors.Code(err), Message: err.Error()},
	})
}

// redactLabels strips underscore-prefixed labels from VM views served to
// callers other than the owner.
func redactLabels(vm *core.VirtualMachine, principal core.Principal) *core.VirtualMachine {
	if principal.UserID == vm.OwnerID || len(vm.Labels) == 0 {
		return vm
	}
	out := vm.DeepCopy()
	for k := range out.Labels {
		if strings.HasPrefix(k, "_") {
			delete(out.Labels, k)
		}
	}
	return out
}
