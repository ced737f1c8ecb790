/*
Copyright 2025 The Urpo Authors.

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

package receiver

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/yairfalse/urpo/pkg/trace"
)

// fallbackServiceName is used when resource attributes carry no
// service.name.
const fallbackServiceName = "unknown"

// serviceNameOf extracts service.name from resource attributes.
func serviceNameOf(attrs []*commonpb.KeyValue) trace.ServiceName {
	for _, kv := range attrs {
		if kv.GetKey() == "service.name" {
			if name := kv.GetValue().GetStringValue(); name != "" {
				return trace.ServiceName(name)
			}
		}
	}
	return fallbackServiceName
}

// fillSpan populates dst from the wire span. The wire format is fully
// decoded here; the core never sees protobuf types. Returns an error for
// spans the data model rejects (zero IDs, inverted times).
func fillSpan(dst *trace.Span, service trace.ServiceName, src *tracepb.Span) error {
	if tid := src.GetTraceId(); len(tid) == 0 || allZero(tid) {
		return fmt.Errorf("%w: missing or all-zero trace id", trace.ErrInvalidSpan)
	}
	if sid := src.GetSpanId(); len(sid) == 0 || allZero(sid) {
		return fmt.Errorf("%w: missing or all-zero span id", trace.ErrInvalidSpan)
	}

	dst.TraceID = trace.TraceID(hex.EncodeToString(src.GetTraceId()))
	dst.SpanID = trace.SpanID(hex.EncodeToString(src.GetSpanId()))
	if pid := src.GetParentSpanId(); len(pid) > 0 && !allZero(pid) {
		dst.ParentSpanID = trace.SpanID(hex.EncodeToString(pid))
	}
	dst.ServiceName = service
	dst.OperationName = src.GetName()

	start := src.GetStartTimeUnixNano()
	end := src.GetEndTimeUnixNano()
	if end < start {
		return fmt.Errorf("%w: end before start", trace.ErrInvalidSpan)
	}
	dst.StartTime = time.Unix(0, int64(start))
	dst.Duration = time.Duration(end - start)

	switch code := src.GetStatus().GetCode(); code {
	case tracepb.Status_STATUS_CODE_OK:
		dst.Status = trace.SpanStatus{Code: trace.StatusOk}
	case tracepb.Status_STATUS_CODE_ERROR:
		dst.Status = trace.SpanStatus{Code: trace.StatusError, Message: src.GetStatus().GetMessage()}
	default:
		dst.Status = trace.SpanStatus{Code: trace.StatusUnknown}
	}

	for _, kv := range src.GetAttributes() {
		dst.Attributes = append(dst.Attributes, trace.KeyValue{
			Key:   kv.GetKey(),
			Value: anyValueString(kv.GetValue()),
		})
	}
	if kind := spanKindName(src.GetKind()); kind != "" {
		dst.Tags = append(dst.Tags, trace.KeyValue{Key: "span.kind", Value: kind})
	}
	return nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// anyValueString flattens an OTLP attribute value to a display string.
func anyValueString(v *commonpb.AnyValue) string {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(val.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(val.DoubleValue, 'g', -1, 64)
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(val.BoolValue)
	case *commonpb.AnyValue_BytesValue:
		return hex.EncodeToString(val.BytesValue)
	case nil:
		return ""
	default:
		return v.String()
	}
}

func spanKindName(k tracepb.Span_SpanKind) string {
	switch k {
	case tracepb.Span_SPAN_KIND_INTERNAL:
		return "internal"
	case tracepb.Span_SPAN_KIND_SERVER:
		return "server"
	case tracepb.Span_SPAN_KIND_CLIENT:
		return "client"
	case tracepb.Span_SPAN_KIND_PRODUCER:
		return "producer"
	case tracepb.Span_SPAN_KIND_CONSUMER:
		return "consumer"
	default:
		return ""
	}
}
