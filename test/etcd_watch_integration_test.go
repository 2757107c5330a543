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
	"testing"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitRegistered polls until the engine holds n live subscriptions, so
// a put cannot race the watch registration.
func waitRegistered(t *testing.T, node *testNode, n int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for node.engine.Stats().Watches < n {
		if time.Now().After(deadline) {
			t.Fatalf("watch count never reached %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatchOneShot(t *testing.T) {
	node := startNode(t)
	ctx := testCtx(t)

	wch := node.client.Watch(ctx, "x")
	waitRegistered(t, node, 1)

	put := mustPutKV(t, node, "x", "v")

	var got *clientv3.WatchResponse
	select {
	case resp := <-wch:
		require.NoError(t, resp.Err())
		got = &resp
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not fire")
	}
	require.Len(t, got.Events, 1)
	ev := got.Events[0]
	assert.Equal(t, mvccpb.PUT, ev.Type)
	assert.Equal(t, "x", string(ev.Kv.Key))
	assert.Equal(t, "v", string(ev.Kv.Value))
	assert.Nil(t, ev.PrevKv)
	assert.Equal(t, put.Header.Revision, ev.Kv.ModRevision)

	// The subscription is consumed; a second mutation must not
	// produce another event on this watch.
	mustPutKV(t, node, "x", "v2")
	select {
	case resp, ok := <-wch:
		if ok && len(resp.Events) > 0 {
			t.Fatalf("consumed watch fired again: %v", resp.Events)
		}
	case <-time.After(500 * time.Millisecond):
	}
	assert.Equal(t, int64(0), node.engine.Stats().Watches)
}

func TestWatchPrevKv(t *testing.T) {
	node := startNode(t)
	ctx := testCtx(t)

	mustPutKV(t, node, "pk", "old")

	wch := node.client.Watch(ctx, "pk", clientv3.WithPrevKV())
	waitRegistered(t, node, 1)

	mustPutKV(t, node, "pk", "new")

	select {
	case resp := <-wch:
		require.NoError(t, resp.Err())
		require.Len(t, resp.Events, 1)
		ev := resp.Events[0]
		assert.Equal(t, "new", string(ev.Kv.Value))
		require.NotNil(t, ev.PrevKv)
		assert.Equal(t, "old", string(ev.PrevKv.Value))
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not fire")
	}
}

func TestWatchPrefixDelete(t *testing.T) {
	node := startNode(t)
	ctx := testCtx(t)

	mustPutKV(t, node, "pfx/a", "1")

	wch := node.client.Watch(ctx, "pfx/", clientv3.WithPrefix(), clientv3.WithFilterPut())
	waitRegistered(t, node, 1)

	// The filtered subscription ignores the put and stays armed for
	// the delete.
	mustPutKV(t, node, "pfx/a", "2")
	_, err := node.client.Delete(ctx, "pfx/a")
	require.NoError(t, err)

	select {
	case resp := <-wch:
		require.NoError(t, resp.Err())
		require.Len(t, resp.Events, 1)
		ev := resp.Events[0]
		assert.Equal(t, mvccpb.DELETE, ev.Type)
		assert.Equal(t, "pfx/a", string(ev.Kv.Key))
		assert.Empty(t, ev.Kv.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not fire on delete")
	}
}

func TestWatchStartRevisionSuppressesOldEvents(t *testing.T) {
	node := startNode(t)
	ctx := testCtx(t)

	first := mustPutKV(t, node, "sr", "1")

	wch := node.client.Watch(ctx, "sr", clientv3.WithRev(first.Header.Revision+2))
	waitRegistered(t, node, 1)

	// This mutation lands below the start revision and is retained.
	mustPutKV(t, node, "sr", "2")
	select {
	case resp, ok := <-wch:
		if ok && len(resp.Events) > 0 {
			t.Fatalf("event below start revision fired: %v", resp.Events)
		}
	case <-time.After(300 * time.Millisecond):
	}

	third := mustPutKV(t, node, "sr", "3")
	select {
	case resp := <-wch:
		require.NoError(t, resp.Err())
		require.Len(t, resp.Events, 1)
		assert.Equal(t, "3", string(resp.Events[0].Kv.Value))
		assert.Equal(t, third.Header.Revision, resp.Events[0].Kv.ModRevision)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not fire at the start revision")
	}
}
