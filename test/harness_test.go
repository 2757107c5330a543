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

package test

import (
	"context"
	"sync"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/stretchr/testify/require"

	"github.com/nokiaMS/dingo-store/api/etcd"
	"github.com/nokiaMS/dingo-store/internal/meta"
	"github.com/nokiaMS/dingo-store/internal/metakv"
)

// testNode is a single in-process replica: the engine with an in-memory
// meta writer, a loopback goroutine standing in for the raft log, the
// gRPC front end, and a clientv3 client dialed at it.
type testNode struct {
	engine *metakv.Engine
	server *etcd.Server
	client *clientv3.Client
}

// startNode brings up a replica on a free port and registers teardown
// with the test. Proposals are applied synchronously by the loopback
// goroutine, so a committed response means the mutation is visible.
func startNode(t testing.TB) *testNode {
	t.Helper()

	proposeC := make(chan string)
	engine, err := metakv.NewEngine(metakv.Config{}, meta.NewMemoryWriter(), proposeC)
	require.NoError(t, err)

	applied := make(chan struct{})
	go func() {
		defer close(applied)
		for data := range proposeC {
			engine.ApplyEntry(data)
		}
	}()

	expirer := metakv.NewLeaseExpirer(engine, 50*time.Millisecond, func() bool { return true }, nil)
	go expirer.Run()

	server, err := etcd.NewServer(etcd.ServerConfig{
		Engine:    engine,
		Address:   "127.0.0.1:0",
		ClusterID: 1000,
		MemberID:  1,
	})
	require.NoError(t, err)
	go func() {
		if err := server.Start(); err != nil {
			t.Logf("server start: %v", err)
		}
	}()

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{server.Address()},
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	var once sync.Once
	t.Cleanup(func() {
		once.Do(func() {
			client.Close()
			server.Stop()
			expirer.Stop()
			engine.Close()
			close(proposeC)
			<-applied
		})
	})

	return &testNode{engine: engine, server: server, client: client}
}

func testCtx(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustPutKV(t testing.TB, node *testNode, key, value string, opts ...clientv3.OpOption) *clientv3.PutResponse {
	t.Helper()
	resp, err := node.client.Put(testCtx(t), key, value, opts...)
	require.NoError(t, err)
	return resp
}
