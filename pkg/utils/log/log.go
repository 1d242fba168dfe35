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

// Package log plumbs a structured zap logger through context, so library
// code never holds a logger field and callers control the sink.
package log

import (
	"context"

	"go.uber.org/zap"
)

type contextKey struct{}

var nop = zap.NewNop().Sugar()

// IntoContext returns a context carrying the logger.
func IntoContext(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger so call
// sites never nil-check.
func FromContext(ctx context.Context) *zap.SugaredLogger {
	if logger, ok := ctx.Value(contextKey{}).(*zap.SugaredLogger); ok {
		return logger
	}
	return nop
}
