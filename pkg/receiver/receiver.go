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

// Package receiver terminates OTLP on the wire: a gRPC TraceService on
// :4317 and an HTTP handler on :4318 accepting protobuf and JSON bodies.
// Decoded spans enter the core through the buffered writer; buffer-full and
// overflow rejections are reported upstream as partial success.
package receiver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/yairfalse/urpo/pkg/storage"
	"github.com/yairfalse/urpo/pkg/trace"
)

// Config holds the receiver listen addresses.
type Config struct {
	GRPCAddress string // default ":4317"
	HTTPAddress string // default ":4318"
}

// DefaultConfig uses the standard OTLP ports.
func DefaultConfig() Config {
	return Config{GRPCAddress: ":4317", HTTPAddress: ":4318"}
}

// Receiver runs both OTLP transports in front of one writer.
type Receiver struct {
	cfg    Config
	writer *storage.Writer

	grpcServer *grpc.Server
	httpServer *http.Server
}

// New builds a receiver over the writer.
func New(cfg Config, writer *storage.Writer) *Receiver {
	r := &Receiver{cfg: cfg, writer: writer}

	r.grpcServer = grpc.NewServer()
	collectortracepb.RegisterTraceServiceServer(r.grpcServer, &traceService{recv: r})

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/traces", r.handleHTTPTraces)
	r.httpServer = &http.Server{
		Addr:         cfg.HTTPAddress,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return r
}

// Start opens both listeners and serves in the background.
func (r *Receiver) Start() error {
	grpcLis, err := net.Listen("tcp", r.cfg.GRPCAddress)
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", r.cfg.HTTPAddress)
	if err != nil {
		grpcLis.Close()
		return err
	}

	klog.V(0).Infof("OTLP gRPC receiver listening on %s", r.cfg.GRPCAddress)
	klog.V(0).Infof("OTLP HTTP receiver listening on %s", r.cfg.HTTPAddress)

	go func() {
		if err := r.grpcServer.Serve(grpcLis); err != nil {
			klog.Errorf("OTLP gRPC server exited: %v", err)
		}
	}()
	go func() {
		if err := r.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("OTLP HTTP server exited: %v", err)
		}
	}()
	return nil
}

// Stop drains both servers.
func (r *Receiver) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.grpcServer.Stop()
	}
	if err := r.httpServer.Shutdown(ctx); err != nil {
		klog.Errorf("OTLP HTTP shutdown: %v", err)
	}
}

// ingest decodes every span of the request and submits it to the writer.
// Invalid spans and writer rejections are counted as rejected; the last
// error message is carried into the partial-success response.
func (r *Receiver) ingest(req *collectortracepb.ExportTraceServiceRequest, transport string) (rejected int64, errMsg string) {
	exportRequests.WithLabelValues(transport).Inc()

	for _, rs := range req.GetResourceSpans() {
		service := serviceNameOf(rs.GetResource().GetAttributes())
		for _, ss := range rs.GetScopeSpans() {
			for _, pbSpan := range ss.GetSpans() {
				spansReceived.WithLabelValues(transport).Inc()

				span := r.writer.GetSpan()
				if err := fillSpan(span, service, pbSpan); err != nil {
					r.writer.ReleaseSpan(span)
					spansRejected.WithLabelValues(transport, "invalid").Inc()
					rejected++
					errMsg = err.Error()
					continue
				}
				if err := r.writer.StoreSpan(span); err != nil {
					spansRejected.WithLabelValues(transport, reasonOf(err)).Inc()
					// Sampling is an intentional drop, not a failure the
					// sender should retry.
					if !errors.Is(err, trace.ErrSampled) {
						rejected++
						errMsg = err.Error()
					}
				}
			}
		}
	}
	return rejected, errMsg
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, trace.ErrBufferFull):
		return "buffer_full"
	case errors.Is(err, trace.ErrOverflow):
		return "overflow"
	case errors.Is(err, trace.ErrInvalidSpan):
		return "invalid"
	case errors.Is(err, trace.ErrSampled):
		return "sampled_away"
	default:
		return "other"
	}
}

// partialSuccess builds the response, attaching rejection counts when any
// span was refused.
func partialSuccess(rejected int64, errMsg string) *collectortracepb.ExportTraceServiceResponse {
	resp := &collectortracepb.ExportTraceServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &collectortracepb.ExportTracePartialSuccess{
			RejectedSpans: rejected,
			ErrorMessage:  errMsg,
		}
	}
	return resp
}

// traceService is the gRPC TraceService implementation.
type traceService struct {
	collectortracepb.UnimplementedTraceServiceServer
	recv *Receiver
}

func (s *traceService) Export(ctx context.Context, req *collectortracepb.ExportTraceServiceRequest) (*collectortracepb.ExportTraceServiceResponse, error) {
	// A cancelled request is abandoned before it reaches the writer; once
	// spans are buffered they are delivered or counted as flush failures.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rejected, errMsg := s.recv.ingest(req, "grpc")
	return partialSuccess(rejected, errMsg), nil
}
