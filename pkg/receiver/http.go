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
	"io"
	"net/http"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"k8s.io/klog/v2"

	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// maxHTTPBodyBytes caps an OTLP/HTTP export body.
const maxHTTPBodyBytes = 32 * 1024 * 1024

const (
	contentTypeProto = "application/x-protobuf"
	contentTypeJSON  = "application/json"
)

// handleHTTPTraces terminates OTLP/HTTP on /v1/traces in both protobuf and
// JSON encodings. The response mirrors the request content type.
func (r *Receiver) handleHTTPTraces(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxHTTPBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxHTTPBodyBytes {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	contentType := req.Header.Get("Content-Type")
	exportReq := &collectortracepb.ExportTraceServiceRequest{}
	switch {
	case strings.HasPrefix(contentType, contentTypeProto):
		err = proto.Unmarshal(body, exportReq)
	case strings.HasPrefix(contentType, contentTypeJSON):
		err = protojson.Unmarshal(body, exportReq)
	default:
		http.Error(w, "unsupported content type "+contentType, http.StatusUnsupportedMediaType)
		return
	}
	if err != nil {
		klog.V(3).Infof("Rejecting malformed OTLP/HTTP body: %v", err)
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	rejected, errMsg := r.ingest(exportReq, "http")
	resp := partialSuccess(rejected, errMsg)

	var payload []byte
	if strings.HasPrefix(contentType, contentTypeJSON) {
		payload, err = protojson.Marshal(resp)
		w.Header().Set("Content-Type", contentTypeJSON)
	} else {
		payload, err = proto.Marshal(resp)
		w.Header().Set("Content-Type", contentTypeProto)
	}
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}
