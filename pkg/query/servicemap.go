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

package query

import (
	"sort"
	"time"

	"github.com/yairfalse/urpo/pkg/trace"
)

// ServiceEdge is one observed service-to-service call path.
type ServiceEdge struct {
	From       trace.ServiceName
	To         trace.ServiceName
	CallCount  uint64
	ErrorCount uint64
	AvgLatency time.Duration
	P99Latency time.Duration
	Operations []string
}

// ServiceNode is one service in the dependency graph.
type ServiceNode struct {
	Name         trace.ServiceName
	RequestCount uint64
	ErrorRate    float64
	AvgLatency   time.Duration
	IsRoot       bool // no incoming edges
	IsLeaf       bool // no outgoing edges
}

// ServiceMap is the dependency graph recovered from recent traces. Edges
// come from parent links that cross a service boundary within a trace.
type ServiceMap struct {
	Nodes       []ServiceNode
	Edges       []ServiceEdge
	GeneratedAt time.Time
	TraceCount  int
}

type edgeKey struct {
	from trace.ServiceName
	to   trace.ServiceName
}

type edgeAcc struct {
	calls      uint64
	errors     uint64
	latencies  []time.Duration
	operations map[string]struct{}
}

type nodeAcc struct {
	requests uint64
	errors   uint64
	total    time.Duration
}

// GetServiceMap analyzes up to limit recent traces and returns the service
// dependency graph. Nodes and edges are sorted for stable output.
func (e *Executor) GetServiceMap(limit int) ServiceMap {
	infos := e.store.ListRecentTraces(limit, "")

	nodes := map[trace.ServiceName]*nodeAcc{}
	edges := map[edgeKey]*edgeAcc{}

	for _, info := range infos {
		spans := e.store.GetTraceSpans(info.TraceID)
		byID := make(map[trace.SpanID]*trace.Span, len(spans))
		for _, sp := range spans {
			byID[sp.SpanID] = sp
		}
		for _, sp := range spans {
			n := nodes[sp.ServiceName]
			if n == nil {
				n = &nodeAcc{}
				nodes[sp.ServiceName] = n
			}
			n.requests++
			if sp.Status.IsError() {
				n.errors++
			}
			n.total += sp.Duration

			if sp.ParentSpanID == "" {
				continue
			}
			parent, ok := byID[sp.ParentSpanID]
			if !ok || parent.ServiceName == sp.ServiceName {
				continue
			}
			key := edgeKey{parent.ServiceName, sp.ServiceName}
			acc := edges[key]
			if acc == nil {
				acc = &edgeAcc{operations: map[string]struct{}{}}
				edges[key] = acc
			}
			acc.calls++
			if sp.Status.IsError() {
				acc.errors++
			}
			acc.latencies = append(acc.latencies, sp.Duration)
			acc.operations[sp.OperationName] = struct{}{}
		}
	}

	hasIncoming := map[trace.ServiceName]struct{}{}
	hasOutgoing := map[trace.ServiceName]struct{}{}
	for key := range edges {
		hasOutgoing[key.from] = struct{}{}
		hasIncoming[key.to] = struct{}{}
	}

	m := ServiceMap{GeneratedAt: time.Now(), TraceCount: len(infos)}
	for name, n := range nodes {
		_, incoming := hasIncoming[name]
		_, outgoing := hasOutgoing[name]
		node := ServiceNode{
			Name:         name,
			RequestCount: n.requests,
			IsRoot:       !incoming,
			IsLeaf:       !outgoing,
		}
		if n.requests > 0 {
			node.ErrorRate = float64(n.errors) / float64(n.requests)
			node.AvgLatency = n.total / time.Duration(n.requests)
		}
		m.Nodes = append(m.Nodes, node)
	}
	sort.Slice(m.Nodes, func(i, j int) bool { return m.Nodes[i].Name < m.Nodes[j].Name })

	for key, acc := range edges {
		edge := ServiceEdge{
			From:       key.from,
			To:         key.to,
			CallCount:  acc.calls,
			ErrorCount: acc.errors,
		}
		var total time.Duration
		for _, d := range acc.latencies {
			total += d
		}
		if len(acc.latencies) > 0 {
			edge.AvgLatency = total / time.Duration(len(acc.latencies))
			sort.Slice(acc.latencies, func(i, j int) bool { return acc.latencies[i] < acc.latencies[j] })
			edge.P99Latency = acc.latencies[int(float64(len(acc.latencies)-1)*0.99)]
		}
		for op := range acc.operations {
			edge.Operations = append(edge.Operations, op)
		}
		sort.Strings(edge.Operations)
		m.Edges = append(m.Edges, edge)
	}
	sort.Slice(m.Edges, func(i, j int) bool {
		if m.Edges[i].From != m.Edges[j].From {
			return m.Edges[i].From < m.Edges[j].From
		}
		return m.Edges[i].To < m.Edges[j].To
	})
	return m
}
