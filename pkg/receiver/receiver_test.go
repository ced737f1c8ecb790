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
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/yairfalse/urpo/pkg/storage"
	"github.com/yairfalse/urpo/pkg/trace"
)

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func pbSpan(traceID, spanID byte, name string) *tracepb.Span {
	start := uint64(time.Now().Add(-time.Second).UnixNano())
	return &tracepb.Span{
		TraceId:           bytes.Repeat([]byte{traceID}, 16),
		SpanId:            bytes.Repeat([]byte{spanID}, 8),
		Name:              name,
		Kind:              tracepb.Span_SPAN_KIND_SERVER,
		StartTimeUnixNano: start,
		EndTimeUnixNano:   start + uint64(25*time.Millisecond),
		Attributes:        []*commonpb.KeyValue{stringAttr("http.method", "GET")},
		Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
	}
}

func exportRequest(service string, spans ...*tracepb.Span) *collectortracepb.ExportTraceServiceRequest {
	return &collectortracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{
				Attributes: []*commonpb.KeyValue{stringAttr("service.name", service)},
			},
			ScopeSpans: []*tracepb.ScopeSpans{{Spans: spans}},
		}},
	}
}

func newTestReceiver(t *testing.T) (*Receiver, *storage.Store, *storage.Writer) {
	t.Helper()
	store := storage.NewStore(10000)
	writer, err := storage.NewWriter(store, storage.WriterConfig{
		RingCapacity:  1024,
		BatchSize:     256,
		FlushInterval: 10 * time.Millisecond,
		MaxRetries:    3,
		PoolCapacity:  1024,
	})
	require.NoError(t, err)
	return New(DefaultConfig(), writer), store, writer
}

func TestFillSpan(t *testing.T) {
	var sp trace.Span
	src := pbSpan(0xab, 0xcd, "GET /users")
	src.ParentSpanId = bytes.Repeat([]byte{0x01}, 8)
	src.Status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: "boom"}

	require.NoError(t, fillSpan(&sp, "api", src))
	assert.Equal(t, trace.TraceID("abababababababababababababababab"), sp.TraceID)
	assert.Equal(t, trace.SpanID("cdcdcdcdcdcdcdcd"), sp.SpanID)
	assert.Equal(t, trace.SpanID("0101010101010101"), sp.ParentSpanID)
	assert.Equal(t, trace.ServiceName("api"), sp.ServiceName)
	assert.Equal(t, "GET /users", sp.OperationName)
	assert.Equal(t, 25*time.Millisecond, sp.Duration)
	assert.True(t, sp.Status.IsError())
	assert.Equal(t, "boom", sp.Status.Message)

	v, ok := sp.Attribute("http.method")
	assert.True(t, ok)
	assert.Equal(t, "GET", v)
	assert.Contains(t, sp.Tags, trace.KeyValue{Key: "span.kind", Value: "server"})

	assert.Nil(t, sp.Validate())
}

func TestFillSpanRejectsMissingIDs(t *testing.T) {
	var sp trace.Span
	src := pbSpan(0xab, 0xcd, "op")
	src.TraceId = nil
	assert.Error(t, fillSpan(&sp, "api", src))

	src = pbSpan(0xab, 0xcd, "op")
	src.SpanId = nil
	assert.Error(t, fillSpan(&sp, "api", src))
}

func TestFillSpanRejectsInvertedTimes(t *testing.T) {
	var sp trace.Span
	src := pbSpan(0xab, 0xcd, "op")
	src.EndTimeUnixNano = src.StartTimeUnixNano - 1
	assert.Error(t, fillSpan(&sp, "api", src))
}

func TestFillSpanIgnoresZeroParent(t *testing.T) {
	var sp trace.Span
	src := pbSpan(0xab, 0xcd, "op")
	src.ParentSpanId = make([]byte, 8)
	require.NoError(t, fillSpan(&sp, "api", src))
	assert.Equal(t, trace.SpanID(""), sp.ParentSpanID)
}

func TestServiceNameFallback(t *testing.T) {
	assert.Equal(t, trace.ServiceName("unknown"), serviceNameOf(nil))
	assert.Equal(t, trace.ServiceName("unknown"),
		serviceNameOf([]*commonpb.KeyValue{stringAttr("host.name", "h1")}))
	assert.Equal(t, trace.ServiceName("api"),
		serviceNameOf([]*commonpb.KeyValue{stringAttr("service.name", "api")}))
}

func TestAnyValueString(t *testing.T) {
	assert.Equal(t, "text", anyValueString(&commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "text"}}))
	assert.Equal(t, "42", anyValueString(&commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: 42}}))
	assert.Equal(t, "1.5", anyValueString(&commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: 1.5}}))
	assert.Equal(t, "true", anyValueString(&commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: true}}))
	assert.Equal(t, "", anyValueString(&commonpb.AnyValue{}))
}

func TestGRPCExport(t *testing.T) {
	recv, store, writer := newTestReceiver(t)
	svc := &traceService{recv: recv}

	resp, err := svc.Export(context.Background(),
		exportRequest("api", pbSpan(0x01, 0x01, "op-a"), pbSpan(0x01, 0x02, "op-b")))
	require.NoError(t, err)
	assert.Nil(t, resp.GetPartialSuccess())

	writer.ForceFlush()
	assert.Equal(t, 2, store.SpanCount())
}

func TestGRPCExportPartialSuccess(t *testing.T) {
	recv, store, writer := newTestReceiver(t)
	svc := &traceService{recv: recv}

	bad := pbSpan(0x01, 0x03, "bad")
	bad.TraceId = nil

	resp, err := svc.Export(context.Background(),
		exportRequest("api", pbSpan(0x01, 0x01, "good"), bad))
	require.NoError(t, err)
	require.NotNil(t, resp.GetPartialSuccess())
	assert.Equal(t, int64(1), resp.GetPartialSuccess().GetRejectedSpans())

	writer.ForceFlush()
	assert.Equal(t, 1, store.SpanCount())
}

type closedGate struct{}

func (closedGate) ShouldSample(trace.ServiceName) bool { return false }

func TestGRPCExportSampledAwayIsNotPartialFailure(t *testing.T) {
	recv, store, writer := newTestReceiver(t)
	writer.SetGate(closedGate{})
	svc := &traceService{recv: recv}

	resp, err := svc.Export(context.Background(),
		exportRequest("api", pbSpan(0x04, 0x01, "op")))
	require.NoError(t, err)
	// Intentionally dropped spans are counted but not reported upstream.
	assert.Nil(t, resp.GetPartialSuccess())

	writer.ForceFlush()
	assert.Equal(t, 0, store.SpanCount())
	assert.Equal(t, uint64(1), writer.Stats().DroppedSampled)
}

func TestHTTPExportProtobuf(t *testing.T) {
	recv, store, writer := newTestReceiver(t)

	body, err := proto.Marshal(exportRequest("api", pbSpan(0x02, 0x01, "op")))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(body))
	req.Header.Set("Content-Type", contentTypeProto)
	rec := httptest.NewRecorder()
	recv.handleHTTPTraces(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypeProto, rec.Header().Get("Content-Type"))

	var resp collectortracepb.ExportTraceServiceResponse
	require.NoError(t, proto.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.GetPartialSuccess())

	writer.ForceFlush()
	assert.Equal(t, 1, store.SpanCount())
}

func TestHTTPExportJSON(t *testing.T) {
	recv, store, writer := newTestReceiver(t)

	body, err := protojson.Marshal(exportRequest("api", pbSpan(0x03, 0x01, "op")))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader(body))
	req.Header.Set("Content-Type", contentTypeJSON)
	rec := httptest.NewRecorder()
	recv.handleHTTPTraces(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypeJSON, rec.Header().Get("Content-Type"))

	writer.ForceFlush()
	assert.Equal(t, 1, store.SpanCount())
}

func TestHTTPExportRejectsBadRequests(t *testing.T) {
	recv, _, _ := newTestReceiver(t)

	// Wrong method.
	req := httptest.NewRequest(http.MethodGet, "/v1/traces", nil)
	rec := httptest.NewRecorder()
	recv.handleHTTPTraces(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	// Unsupported content type.
	req = httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader([]byte("x")))
	req.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	recv.handleHTTPTraces(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	// Malformed body.
	req = httptest.NewRequest(http.MethodPost, "/v1/traces", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", contentTypeJSON)
	rec = httptest.NewRecorder()
	recv.handleHTTPTraces(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
