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

// Package api serves the read-only HTTP surface over the query executor.
// It never touches the ingest path.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/yairfalse/urpo/pkg/query"
	"github.com/yairfalse/urpo/pkg/storage"
	"github.com/yairfalse/urpo/pkg/trace"
)

// defaultLimit bounds list endpoints when the caller does not say.
const defaultLimit = 100

// maxLimit is the hard ceiling on any list endpoint.
const maxLimit = 1000

// Server is the read-only HTTP API.
type Server struct {
	exec       *query.Executor
	httpServer *http.Server
}

// NewServer builds the API on the given address.
func NewServer(address string, exec *query.Executor) *Server {
	s := &Server{exec: exec}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/traces", s.handleListTraces)
	mux.HandleFunc("GET /api/traces/{id}", s.handleGetTrace)
	mux.HandleFunc("GET /api/services", s.handleListServices)
	mux.HandleFunc("GET /api/dependencies", s.handleDependencies)
	mux.HandleFunc("GET /api/search", s.handleSearch)

	s.httpServer = &http.Server{
		Addr:         address,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	klog.V(0).Infof("HTTP API listening on %s", s.httpServer.Addr)
	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("HTTP API server exited: %v", err)
		}
	}()
	return nil
}

// Stop drains the server.
func (s *Server) Stop(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		klog.Errorf("HTTP API shutdown: %v", err)
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type healthResponse struct {
	Status         string  `json:"status"`
	Uptime         string  `json:"uptime"`
	SpanCount      int     `json:"span_count"`
	TraceCount     int     `json:"trace_count"`
	ServiceCount   int     `json:"service_count"`
	MemoryMB       float64 `json:"memory_mb"`
	MemoryPressure float64 `json:"memory_pressure"`
	SpansProcessed uint64  `json:"spans_processed"`
	SpansDropped   uint64  `json:"spans_dropped"`
	SpansSampled   uint64  `json:"spans_sampled"`
	SpansEvicted   uint64  `json:"spans_evicted"`
	TotalFlushed   uint64  `json:"total_flushed"`
	FailedFlushes  uint64  `json:"failed_flushes"`
	Mode           string  `json:"degradation_mode"`
	SamplingRate   float64 `json:"sampling_rate"`
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	stats := s.exec.GetStats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         stats.Storage.Health.String(),
		Uptime:         stats.Storage.Uptime.Round(time.Second).String(),
		SpanCount:      stats.Storage.SpanCount,
		TraceCount:     stats.Storage.TraceCount,
		ServiceCount:   stats.Storage.ServiceCount,
		MemoryMB:       float64(stats.Storage.MemoryBytes) / 1024 / 1024,
		MemoryPressure: stats.Storage.MemoryPressure,
		SpansProcessed: stats.Storage.SpansProcessed,
		SpansDropped:   stats.Storage.SpansDropped + stats.Writer.TotalDropped,
		SpansSampled:   stats.Writer.DroppedSampled,
		SpansEvicted:   stats.Storage.SpansEvicted,
		TotalFlushed:   stats.Writer.TotalFlushed,
		FailedFlushes:  stats.Writer.FailedFlushes,
		Mode:           stats.Degradation.Mode.String(),
		SamplingRate:   stats.Degradation.SamplingRate,
	})
}

func (s *Server) handleListTraces(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	limit := parseLimit(q.Get("limit"))
	service := trace.ServiceName(q.Get("service"))
	errorsOnly := q.Get("errors_only") == "true"

	var infos []storage.TraceInfo
	if errorsOnly {
		infos = s.exec.GetErrorTraces(limit)
		if service != "" {
			infos = filterByService(infos, service)
		}
	} else {
		infos = s.exec.ListRecentTraces(limit, service)
	}

	if window, ok := parseTimeRange(q.Get("start_time"), q.Get("end_time")); ok {
		infos = filterByTime(infos, window)
	}

	writeTraces(w, s.exec, q.Get("format"), infos)
}

func (s *Server) handleGetTrace(w http.ResponseWriter, req *http.Request) {
	id := trace.TraceID(req.PathValue("id"))
	spans := s.exec.GetTraceSpans(id)
	if len(spans) == 0 {
		http.Error(w, "trace not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trace_id": id,
		"spans":    spansJSON(spans),
	})
}

func (s *Server) handleListServices(w http.ResponseWriter, req *http.Request) {
	list := s.exec.GetServiceMetrics()
	out := make([]serviceJSON, 0, len(list))
	for _, m := range list {
		out = append(out, toServiceJSON(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"services": out})
}

func (s *Server) handleDependencies(w http.ResponseWriter, req *http.Request) {
	limit := parseLimit(req.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, serviceMapJSON(s.exec.GetServiceMap(limit)))
}

func (s *Server) handleSearch(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	limit := parseLimit(q.Get("limit"))
	queryStr := q.Get("q")
	if queryStr == "" && q.Get("attribute_key") != "" {
		queryStr = q.Get("attribute_key")
	}

	infos := s.exec.SearchTraces(queryStr, limit)
	if service := trace.ServiceName(q.Get("service")); service != "" {
		infos = filterByService(infos, service)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":  queryStr,
		"traces": tracesJSON(infos),
	})
}

func parseLimit(raw string) int {
	if raw == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

type timeRange struct {
	start time.Time
	end   time.Time
}

// parseTimeRange accepts unix seconds or RFC3339 on either bound.
func parseTimeRange(startRaw, endRaw string) (timeRange, bool) {
	if startRaw == "" && endRaw == "" {
		return timeRange{}, false
	}
	var tr timeRange
	if t, ok := parseTime(startRaw); ok {
		tr.start = t
	}
	if t, ok := parseTime(endRaw); ok {
		tr.end = t
	}
	return tr, !tr.start.IsZero() || !tr.end.IsZero()
}

func parseTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func filterByService(infos []storage.TraceInfo, service trace.ServiceName) []storage.TraceInfo {
	out := infos[:0]
	for _, info := range infos {
		for _, s := range info.Services {
			if s == service {
				out = append(out, info)
				break
			}
		}
	}
	return out
}

func filterByTime(infos []storage.TraceInfo, tr timeRange) []storage.TraceInfo {
	out := infos[:0]
	for _, info := range infos {
		if !tr.start.IsZero() && info.StartTime.Before(tr.start) {
			continue
		}
		if !tr.end.IsZero() && info.StartTime.After(tr.end) {
			continue
		}
		out = append(out, info)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		klog.Errorf("JSON marshal error: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf)
}
