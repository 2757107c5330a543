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

package etcd

import (
	"errors"
	"fmt"
	"testing"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nokiaMS/dingo-store/internal/metakv"
)

func TestToGRPCErrorEtcdSentinels(t *testing.T) {
	tests := []struct {
		sentinel error
		want     error
	}{
		{metakv.ErrEmptyKey, rpctypes.ErrGRPCEmptyKey},
		{metakv.ErrCompacted, rpctypes.ErrGRPCCompacted},
		{metakv.ErrFutureRevision, rpctypes.ErrGRPCFutureRev},
		{metakv.ErrLeaseNotFound, rpctypes.ErrGRPCLeaseNotFound},
		{metakv.ErrLeaseExists, rpctypes.ErrGRPCLeaseExist},
	}
	for _, tt := range tests {
		got := toGRPCError(tt.sentinel)
		if !errors.Is(got, tt.want) {
			t.Errorf("toGRPCError(%v) = %v, want %v", tt.sentinel, got, tt.want)
		}
	}
}

func TestToGRPCErrorStatusCodes(t *testing.T) {
	tests := []struct {
		sentinel error
		code     codes.Code
	}{
		{metakv.ErrKeyTooLarge, codes.InvalidArgument},
		{metakv.ErrValueTooLarge, codes.InvalidArgument},
		{metakv.ErrValueMissing, codes.InvalidArgument},
		{metakv.ErrLeaseTTLInvalid, codes.InvalidArgument},
		{metakv.ErrKeyNotFound, codes.NotFound},
		{metakv.ErrLeaseExpired, codes.NotFound},
		{metakv.ErrLeaseMismatch, codes.FailedPrecondition},
		{metakv.ErrUnavailable, codes.Unavailable},
		{metakv.ErrClosed, codes.Unavailable},
	}
	for _, tt := range tests {
		got := toGRPCError(tt.sentinel)
		if status.Code(got) != tt.code {
			t.Errorf("toGRPCError(%v) code = %v, want %v", tt.sentinel, status.Code(got), tt.code)
		}
	}
}

func TestToGRPCErrorWrapped(t *testing.T) {
	wrapped := fmt.Errorf("put key: %w", metakv.ErrCompacted)
	if got := toGRPCError(wrapped); !errors.Is(got, rpctypes.ErrGRPCCompacted) {
		t.Errorf("wrapped sentinel = %v, want ErrGRPCCompacted", got)
	}
}

func TestToGRPCErrorPassThrough(t *testing.T) {
	if toGRPCError(nil) != nil {
		t.Error("nil should stay nil")
	}

	orig := status.Error(codes.PermissionDenied, "no")
	if got := toGRPCError(orig); got != orig {
		t.Errorf("status error = %v, want unchanged", got)
	}

	got := toGRPCError(errors.New("disk on fire"))
	if status.Code(got) != codes.Internal {
		t.Errorf("unknown error code = %v, want Internal", status.Code(got))
	}
}
