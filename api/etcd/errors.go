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

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nokiaMS/dingo-store/internal/metakv"
)

// rpctypes carries the canonical etcd wire errors; clients such as
// clientv3 special-case them, so the sentinels that have an etcd
// counterpart map to it rather than to a bare status code.
var grpcErrorMap = []struct {
	sentinel error
	grpc     error
}{
	{metakv.ErrEmptyKey, rpctypes.ErrGRPCEmptyKey},
	{metakv.ErrCompacted, rpctypes.ErrGRPCCompacted},
	{metakv.ErrFutureRevision, rpctypes.ErrGRPCFutureRev},
	{metakv.ErrLeaseNotFound, rpctypes.ErrGRPCLeaseNotFound},
	{metakv.ErrLeaseExists, rpctypes.ErrGRPCLeaseExist},
	{metakv.ErrKeyTooLarge, status.Error(codes.InvalidArgument, metakv.ErrKeyTooLarge.Error())},
	{metakv.ErrValueTooLarge, status.Error(codes.InvalidArgument, metakv.ErrValueTooLarge.Error())},
	{metakv.ErrValueMissing, status.Error(codes.InvalidArgument, metakv.ErrValueMissing.Error())},
	{metakv.ErrLeaseTTLInvalid, status.Error(codes.InvalidArgument, metakv.ErrLeaseTTLInvalid.Error())},
	{metakv.ErrKeyNotFound, status.Error(codes.NotFound, metakv.ErrKeyNotFound.Error())},
	{metakv.ErrLeaseMismatch, status.Error(codes.FailedPrecondition, metakv.ErrLeaseMismatch.Error())},
	{metakv.ErrLeaseExpired, status.Error(codes.NotFound, metakv.ErrLeaseExpired.Error())},
	{metakv.ErrUnavailable, status.Error(codes.Unavailable, metakv.ErrUnavailable.Error())},
	{metakv.ErrClosed, status.Error(codes.Unavailable, metakv.ErrClosed.Error())},
}

// toGRPCError translates engine sentinels to their gRPC form. Errors
// that already carry a status pass through; anything unrecognized
// becomes Internal.
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}
	for _, m := range grpcErrorMap {
		if errors.Is(err, m.sentinel) {
			return m.grpc
		}
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}
