// Copyright (c) 2023 The sandboxvm Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package trace

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"
)

var traceLogger = logrus.NewEntry(logrus.New())

// tracing determines whether tracing is enabled.
var tracing bool

// SetTracing turns tracing on or off. Called by the configuration.
func SetTracing(isTracing bool) {
	tracing = isTracing
}

// Span creates a new tracing span based on the specified name and parent
// context. It also accepts a logger to record nil context errors and a map
// of tracing tags. Tracing tag keys and values are strings.
func Span(parent context.Context, logger *logrus.Entry, name string, tags ...map[string]string) (otelTrace.Span, context.Context) {
	if parent == nil {
		if logger == nil {
			logger = traceLogger
		}
		logger.WithField("type", "bug").Error("trace called before context set")
		parent = context.Background()
	}

	var otelTags []attribute.KeyValue
	// do not append tags if tracing is disabled
	if tracing {
		for _, tagSet := range tags {
			for k, v := range tagSet {
				otelTags = append(otelTags, attribute.Key(k).String(v))
			}
		}
	}

	tracer := otel.Tracer("virtsandbox")
	ctx, span := tracer.Start(parent, name, otelTrace.WithAttributes(otelTags...))

	return span, ctx
}

// AddTags adds additional key-value pairs to an existing span. Values may be
// strings, booleans or any width of integer.
func AddTags(span otelTrace.Span, tagPairs ...interface{}) {
	if !tracing {
		return
	}
	if len(tagPairs) < 2 || len(tagPairs)%2 != 0 {
		traceLogger.WithField("type", "bug").Error("attempt to add tags without key-value pairs")
		return
	}
	for i := 0; i < len(tagPairs); i += 2 {
		key, ok := tagPairs[i].(string)
		if !ok {
			traceLogger.WithField("type", "bug").Errorf("tag key %v is not a string", tagPairs[i])
			continue
		}
		addTag(span, key, tagPairs[i+1])
	}
}

func addTag(span otelTrace.Span, key string, value interface{}) {
	if value == nil {
		span.SetAttributes(attribute.String(key, "nil"))
		return
	}

	switch value := value.(type) {
	case string:
		span.SetAttributes(attribute.String(key, value))
	case bool:
		span.SetAttributes(attribute.Bool(key, value))
	case int:
		span.SetAttributes(attribute.Int(key, value))
	case int32:
		span.SetAttributes(attribute.Int64(key, int64(value)))
	case int64:
		span.SetAttributes(attribute.Int64(key, value))
	case uint:
		span.SetAttributes(attribute.Int64(key, int64(value)))
	case uint32:
		span.SetAttributes(attribute.Int64(key, int64(value)))
	case uint64:
		span.SetAttributes(attribute.Int64(key, int64(value)))
	default:
		span.SetAttributes(attribute.String(key, "unknown value type"))
	}
}
