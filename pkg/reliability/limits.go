// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reliability

import (
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RequestLimiter caps concurrent requests. Admission is one atomic add,
// so it can sit in front of every RPC without contention.
type RequestLimiter struct {
	max      int64
	inFlight atomic.Int64
	rejected atomic.Int64
}

// NewRequestLimiter admits up to max concurrent requests. max of zero
// or less disables the cap.
func NewRequestLimiter(max int64) *RequestLimiter {
	return &RequestLimiter{max: max}
}

// Acquire admits one request. Callers must Release on success.
func (l *RequestLimiter) Acquire() error {
	if l.max <= 0 {
		return nil
	}
	if l.inFlight.Add(1) > l.max {
		l.inFlight.Add(-1)
		l.rejected.Add(1)
		return status.Error(codes.ResourceExhausted, "too many concurrent requests")
	}
	return nil
}

// Release returns one admission slot.
func (l *RequestLimiter) Release() {
	if l.max <= 0 {
		return
	}
	l.inFlight.Add(-1)
}

// InFlight reports currently admitted requests.
func (l *RequestLimiter) InFlight() int64 {
	return l.inFlight.Load()
}

// Rejected reports requests turned away since start.
func (l *RequestLimiter) Rejected() int64 {
	return l.rejected.Load()
}
