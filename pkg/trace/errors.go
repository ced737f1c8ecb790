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

package trace

import "errors"

// The ingest error taxonomy. Receivers surface ErrBufferFull and ErrOverflow
// upstream for partial-success reporting; ErrInvalidSpan rejects a span at
// the construction boundary before it is counted as a drop. ErrSampled marks
// an intentional drop at the sampling gate: callers observe it for counting
// but must not report it upstream as a failure. Background flush failures
// are recovered locally and only counted.
var (
	ErrInvalidSpan = errors.New("invalid span")
	ErrBufferFull  = errors.New("span buffer full")
	ErrOverflow    = errors.New("storage at emergency capacity")
	ErrSampled     = errors.New("span dropped by sampling gate")
	ErrFlushFailed = errors.New("flush failed")
)
