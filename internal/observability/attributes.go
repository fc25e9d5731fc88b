// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrBackend  = "backend"
	attrStrategy = "strategy"
	attrFrom     = "from"
	attrTo       = "to"
	attrSuccess  = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/abc123 -> /v1/jobs/{id}
	normalized := normalizePath(path)
	return attribute.String(attrPath, normalized)
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func backendAttr(backend string) attribute.KeyValue {
	return attribute.String(attrBackend, backend)
}

func strategyAttr(strategy string) attribute.KeyValue {
	return attribute.String(attrStrategy, strategy)
}

func fromAttr(state string) attribute.KeyValue {
	return attribute.String(attrFrom, state)
}

func toAttr(state string) attribute.KeyValue {
	return attribute.String(attrTo, state)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces dynamic path segments with placeholders.
// Router-aware callers pass the route pattern instead, which is left as is.
func normalizePath(path string) string {
	for _, prefix := range []string{"/v1/jobs/", "/jobs/"} {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || rest == "" || strings.HasPrefix(rest, "{") {
			continue
		}
		if strings.HasSuffix(rest, "/cancel") {
			return prefix + "{id}/cancel"
		}
		return prefix + "{id}"
	}
	return path
}
