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

package api

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/yairfalse/urpo/pkg/metrics"
	"github.com/yairfalse/urpo/pkg/query"
	"github.com/yairfalse/urpo/pkg/storage"
	"github.com/yairfalse/urpo/pkg/trace"
)

// traceJSON is the wire shape of one trace summary.
type traceJSON struct {
	TraceID       string   `json:"trace_id"`
	RootService   string   `json:"root_service"`
	RootOperation string   `json:"root_operation"`
	SpanCount     int      `json:"span_count"`
	DurationMs    float64  `json:"duration_ms"`
	StartTime     string   `json:"start_time"`
	HasError      bool     `json:"has_error"`
	Services      []string `json:"services"`
}

type spanJSON struct {
	TraceID       string            `json:"trace_id"`
	SpanID        string            `json:"span_id"`
	ParentSpanID  string            `json:"parent_span_id,omitempty"`
	Service       string            `json:"service"`
	Operation     string            `json:"operation"`
	StartTime     string            `json:"start_time"`
	DurationMs    float64           `json:"duration_ms"`
	Status        string            `json:"status"`
	StatusMessage string            `json:"status_message,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

type serviceJSON struct {
	Name        string  `json:"name"`
	RequestRate float64 `json:"request_rate"`
	ErrorRate   float64 `json:"error_rate"`
	P50Ms       float64 `json:"latency_p50_ms"`
	P95Ms       float64 `json:"latency_p95_ms"`
	P99Ms       float64 `json:"latency_p99_ms"`
	SpanCount   uint64  `json:"span_count"`
	ErrorCount  uint64  `json:"error_count"`
	AvgMs       float64 `json:"avg_duration_ms"`
	MinMs       float64 `json:"min_duration_ms"`
	MaxMs       float64 `json:"max_duration_ms"`
	LastSeen    string  `json:"last_seen"`
}

func tracesJSON(infos []storage.TraceInfo) []traceJSON {
	out := make([]traceJSON, 0, len(infos))
	for _, info := range infos {
		services := make([]string, 0, len(info.Services))
		for _, s := range info.Services {
			services = append(services, string(s))
		}
		out = append(out, traceJSON{
			TraceID:       string(info.TraceID),
			RootService:   string(info.RootService),
			RootOperation: info.RootOperation,
			SpanCount:     info.SpanCount,
			DurationMs:    float64(info.Duration) / float64(time.Millisecond),
			StartTime:     info.StartTime.UTC().Format(time.RFC3339Nano),
			HasError:      info.HasError,
			Services:      services,
		})
	}
	return out
}

func spansJSON(spans []*trace.Span) []spanJSON {
	out := make([]spanJSON, 0, len(spans))
	for _, sp := range spans {
		out = append(out, spanJSON{
			TraceID:       string(sp.TraceID),
			SpanID:        string(sp.SpanID),
			ParentSpanID:  string(sp.ParentSpanID),
			Service:       string(sp.ServiceName),
			Operation:     sp.OperationName,
			StartTime:     sp.StartTime.UTC().Format(time.RFC3339Nano),
			DurationMs:    float64(sp.Duration) / float64(time.Millisecond),
			Status:        statusName(sp.Status),
			StatusMessage: sp.Status.Message,
			Attributes:    kvMap(sp.Attributes),
			Tags:          kvMap(sp.Tags),
		})
	}
	return out
}

func toServiceJSON(m metrics.ServiceMetrics) serviceJSON {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	lastSeen := ""
	if !m.LastSeen.IsZero() {
		lastSeen = m.LastSeen.UTC().Format(time.RFC3339Nano)
	}
	return serviceJSON{
		Name:        string(m.Name),
		RequestRate: m.RequestRate,
		ErrorRate:   m.ErrorRate,
		P50Ms:       ms(m.LatencyP50),
		P95Ms:       ms(m.LatencyP95),
		P99Ms:       ms(m.LatencyP99),
		SpanCount:   m.SpanCount,
		ErrorCount:  m.ErrorCount,
		AvgMs:       ms(m.AvgDuration),
		MinMs:       ms(m.MinDuration),
		MaxMs:       ms(m.MaxDuration),
		LastSeen:    lastSeen,
	}
}

type serviceMapNodeJSON struct {
	Name         string  `json:"name"`
	RequestCount uint64  `json:"request_count"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	IsRoot       bool    `json:"is_root"`
	IsLeaf       bool    `json:"is_leaf"`
}

type serviceMapEdgeJSON struct {
	From         string   `json:"from"`
	To           string   `json:"to"`
	CallCount    uint64   `json:"call_count"`
	ErrorCount   uint64   `json:"error_count"`
	AvgLatencyMs float64  `json:"avg_latency_ms"`
	P99LatencyMs float64  `json:"p99_latency_ms"`
	Operations   []string `json:"operations"`
}

func serviceMapJSON(m query.ServiceMap) map[string]interface{} {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	nodes := make([]serviceMapNodeJSON, 0, len(m.Nodes))
	for _, n := range m.Nodes {
		nodes = append(nodes, serviceMapNodeJSON{
			Name:         string(n.Name),
			RequestCount: n.RequestCount,
			ErrorRate:    n.ErrorRate,
			AvgLatencyMs: ms(n.AvgLatency),
			IsRoot:       n.IsRoot,
			IsLeaf:       n.IsLeaf,
		})
	}
	edges := make([]serviceMapEdgeJSON, 0, len(m.Edges))
	for _, e := range m.Edges {
		edges = append(edges, serviceMapEdgeJSON{
			From:         string(e.From),
			To:           string(e.To),
			CallCount:    e.CallCount,
			ErrorCount:   e.ErrorCount,
			AvgLatencyMs: ms(e.AvgLatency),
			P99LatencyMs: ms(e.P99Latency),
			Operations:   e.Operations,
		})
	}
	return map[string]interface{}{
		"nodes":        nodes,
		"edges":        edges,
		"trace_count":  m.TraceCount,
		"generated_at": m.GeneratedAt.UTC().Format(time.RFC3339Nano),
	}
}

func statusName(s trace.SpanStatus) string {
	switch s.Code {
	case trace.StatusOk:
		return "ok"
	case trace.StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func kvMap(kvs []trace.KeyValue) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value
	}
	return out
}

// writeTraces renders a trace listing in the requested export format:
// json (default), csv, jaeger, or otel.
func writeTraces(w http.ResponseWriter, exec *query.Executor, format string, infos []storage.TraceInfo) {
	switch format {
	case "", "json":
		writeJSON(w, http.StatusOK, map[string]interface{}{"traces": tracesJSON(infos)})
	case "csv":
		writeCSV(w, infos)
	case "jaeger":
		writeJaeger(w, exec, infos)
	case "otel":
		writeOTel(w, exec, infos)
	default:
		http.Error(w, "unsupported format "+format, http.StatusBadRequest)
	}
}

func writeCSV(w http.ResponseWriter, infos []storage.TraceInfo) {
	w.Header().Set("Content-Type", "text/csv")
	cw := csv.NewWriter(w)
	cw.Write([]string{"trace_id", "root_service", "root_operation", "span_count", "duration_ms", "start_time", "has_error"})
	for _, info := range infos {
		cw.Write([]string{
			string(info.TraceID),
			string(info.RootService),
			info.RootOperation,
			strconv.Itoa(info.SpanCount),
			strconv.FormatFloat(float64(info.Duration)/float64(time.Millisecond), 'f', 3, 64),
			info.StartTime.UTC().Format(time.RFC3339Nano),
			strconv.FormatBool(info.HasError),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		klog.Errorf("CSV write error: %v", err)
	}
}

// Jaeger UI compatible shape: {"data": [{"traceID", "spans": [...]}]}.
func writeJaeger(w http.ResponseWriter, exec *query.Executor, infos []storage.TraceInfo) {
	type jaegerKV struct {
		Key   string `json:"key"`
		Type  string `json:"type"`
		Value string `json:"value"`
	}
	type jaegerSpan struct {
		TraceID       string     `json:"traceID"`
		SpanID        string     `json:"spanID"`
		OperationName string     `json:"operationName"`
		StartTime     int64      `json:"startTime"` // microseconds
		Duration      int64      `json:"duration"`  // microseconds
		Tags          []jaegerKV `json:"tags"`
		ProcessID     string     `json:"processID"`
	}
	type jaegerProcess struct {
		ServiceName string `json:"serviceName"`
	}
	type jaegerTrace struct {
		TraceID   string                   `json:"traceID"`
		Spans     []jaegerSpan             `json:"spans"`
		Processes map[string]jaegerProcess `json:"processes"`
	}

	data := make([]jaegerTrace, 0, len(infos))
	for _, info := range infos {
		spans := exec.GetTraceSpans(info.TraceID)
		jt := jaegerTrace{TraceID: string(info.TraceID), Processes: map[string]jaegerProcess{}}
		procIDs := map[trace.ServiceName]string{}
		for _, sp := range spans {
			pid, ok := procIDs[sp.ServiceName]
			if !ok {
				pid = "p" + strconv.Itoa(len(procIDs)+1)
				procIDs[sp.ServiceName] = pid
				jt.Processes[pid] = jaegerProcess{ServiceName: string(sp.ServiceName)}
			}
			tags := make([]jaegerKV, 0, len(sp.Attributes)+len(sp.Tags))
			for _, kv := range sp.Attributes {
				tags = append(tags, jaegerKV{Key: kv.Key, Type: "string", Value: kv.Value})
			}
			for _, kv := range sp.Tags {
				tags = append(tags, jaegerKV{Key: kv.Key, Type: "string", Value: kv.Value})
			}
			if sp.Status.IsError() {
				tags = append(tags, jaegerKV{Key: "error", Type: "bool", Value: "true"})
			}
			jt.Spans = append(jt.Spans, jaegerSpan{
				TraceID:       string(sp.TraceID),
				SpanID:        string(sp.SpanID),
				OperationName: sp.OperationName,
				StartTime:     sp.StartTime.UnixMicro(),
				Duration:      sp.Duration.Microseconds(),
				Tags:          tags,
				ProcessID:     pid,
			})
		}
		data = append(data, jt)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}

// OTLP-JSON flavored shape, one resourceSpans entry per trace.
func writeOTel(w http.ResponseWriter, exec *query.Executor, infos []storage.TraceInfo) {
	type otelKV struct {
		Key   string `json:"key"`
		Value struct {
			StringValue string `json:"stringValue"`
		} `json:"value"`
	}
	type otelSpan struct {
		TraceID           string   `json:"traceId"`
		SpanID            string   `json:"spanId"`
		ParentSpanID      string   `json:"parentSpanId,omitempty"`
		Name              string   `json:"name"`
		StartTimeUnixNano string   `json:"startTimeUnixNano"`
		EndTimeUnixNano   string   `json:"endTimeUnixNano"`
		Attributes        []otelKV `json:"attributes,omitempty"`
	}

	kv := func(k, v string) otelKV {
		var o otelKV
		o.Key = k
		o.Value.StringValue = v
		return o
	}

	type scopeSpans struct {
		Spans []otelSpan `json:"spans"`
	}
	type resource struct {
		Attributes []otelKV `json:"attributes"`
	}
	type resourceSpans struct {
		Resource   resource     `json:"resource"`
		ScopeSpans []scopeSpans `json:"scopeSpans"`
	}

	out := make([]resourceSpans, 0, len(infos))
	for _, info := range infos {
		spans := exec.GetTraceSpans(info.TraceID)
		rs := resourceSpans{
			Resource: resource{Attributes: []otelKV{kv("service.name", string(info.RootService))}},
		}
		ss := scopeSpans{}
		for _, sp := range spans {
			os := otelSpan{
				TraceID:           string(sp.TraceID),
				SpanID:            string(sp.SpanID),
				ParentSpanID:      string(sp.ParentSpanID),
				Name:              sp.OperationName,
				StartTimeUnixNano: strconv.FormatInt(sp.StartTime.UnixNano(), 10),
				EndTimeUnixNano:   strconv.FormatInt(sp.EndTime().UnixNano(), 10),
			}
			for _, a := range sp.Attributes {
				os.Attributes = append(os.Attributes, kv(a.Key, a.Value))
			}
			ss.Spans = append(ss.Spans, os)
		}
		rs.ScopeSpans = append(rs.ScopeSpans, ss)
		out = append(out, rs)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resourceSpans": out})
}
