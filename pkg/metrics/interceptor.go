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

package metrics

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor records latency, status code and in-flight
// count for every unary RPC on the default registry.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	m := Default()
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		m.GrpcRequestInFlight.WithLabelValues(info.FullMethod).Inc()
		defer m.GrpcRequestInFlight.WithLabelValues(info.FullMethod).Dec()

		start := time.Now()
		resp, err := handler(ctx, req)
		m.RecordGrpcRequest(info.FullMethod, status.Code(err).String(), time.Since(start))
		return resp, err
	}
}

// StreamServerInterceptor is the streaming counterpart. Duration covers
// the whole stream lifetime, not individual messages.
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	m := Default()
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.GrpcRequestInFlight.WithLabelValues(info.FullMethod).Inc()
		defer m.GrpcRequestInFlight.WithLabelValues(info.FullMethod).Dec()

		start := time.Now()
		err := handler(srv, ss)
		m.RecordGrpcRequest(info.FullMethod, status.Code(err).String(), time.Since(start))
		return err
	}
}
