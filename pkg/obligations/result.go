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

package obligations

import (
	"time"

	"github.com/gridmesh/controlplane/pkg/apis/core"
)

type resultKind int

const (
	kindCompleted resultKind = iota
	kindRetry
	kindWait
	kindFail
)

// Result is what a handler returns. Handlers never error out of Handle;
// every outcome, including an unexpected one, is expressed as a Result.
type Result struct {
	kind resultKind

	Message  string
	Reason   string
	Children []*core.Obligation

	SignalKey     string
	SignalTimeout time.Duration
}

// Completed marks the obligation done.
func Completed(message string) Result {
	return Result{kind: kindCompleted, Message: message}
}

// CompletedWithChildren marks the obligation done and appends children with
// their ParentID set to this obligation.
func CompletedWithChildren(children []*core.Obligation, message string) Result {
	return Result{kind: kindCompleted, Message: message, Children: children}
}

// Retry reschedules the obligation with exponential backoff; the failure
// count caps at the engine's max retries, after which the obligation fails.
func Retry(reason string) Result {
	return Result{kind: kindRetry, Reason: reason}
}

// WaitForSignal suspends the obligation until the key fires or the timeout
// elapses; either way the handler re-runs and decides.
func WaitForSignal(key string, timeout time.Duration, reason string) Result {
	return Result{kind: kindWait, SignalKey: key, SignalTimeout: timeout, Reason: reason}
}

// Fail terminates the obligation and cascade-cancels its dependents unless
// the type's policy keeps orphans.
func Fail(reason string) Result {
	return Result{kind: kindFail, Reason: reason}
}
