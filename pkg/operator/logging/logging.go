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

// Package logging wires a zap core behind logr and plumbs loggers through
// context so every subsystem logs with its component name attached.
package logging

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// NewLogger builds the process root logger. Development mode switches to the
// console encoder with debug level enabled.
func NewLogger(development bool) logr.Logger {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	z, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return zapr.NewLogger(z)
}

// IntoContext attaches the logger to the context.
func IntoContext(ctx context.Context, logger logr.Logger) context.Context {
	return logr.NewContext(ctx, logger)
}

// FromContext retrieves the logger from the context, or a discard logger if
// none was attached.
func FromContext(ctx context.Context) logr.Logger {
	return logr.FromContextOrDiscard(ctx)
}

// WithName returns a context whose logger carries the given component name.
func WithName(ctx context.Context, name string) context.Context {
	return IntoContext(ctx, FromContext(ctx).WithName(name))
}
