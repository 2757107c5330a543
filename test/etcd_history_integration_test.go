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
	"fmt"
	"testing"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoricalRange(t *testing.T) {
	node := startNode(t)
	ctx := testCtx(t)

	first := mustPutKV(t, node, "h", "v1")
	mustPutKV(t, node, "h", "v2")
	third := mustPutKV(t, node, "h", "v3")

	old, err := node.client.Get(ctx, "h", clientv3.WithRev(first.Header.Revision))
	require.NoError(t, err)
	require.Len(t, old.Kvs, 1)
	assert.Equal(t, "v1", string(old.Kvs[0].Value))
	// The response header reports the current revision even for
	// historical reads.
	assert.Equal(t, third.Header.Revision, old.Header.Revision)

	cur, err := node.client.Get(ctx, "h")
	require.NoError(t, err)
	require.Len(t, cur.Kvs, 1)
	assert.Equal(t, "v3", string(cur.Kvs[0].Value))

	_, err = node.client.Get(ctx, "h", clientv3.WithRev(third.Header.Revision+100))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "future revision")
}

func TestHistoricalReadOfDeletedKey(t *testing.T) {
	node := startNode(t)
	ctx := testCtx(t)

	put := mustPutKV(t, node, "gone", "was-here")
	_, err := node.client.Delete(ctx, "gone")
	require.NoError(t, err)

	now, err := node.client.Get(ctx, "gone")
	require.NoError(t, err)
	assert.Empty(t, now.Kvs)

	then, err := node.client.Get(ctx, "gone", clientv3.WithRev(put.Header.Revision))
	require.NoError(t, err)
	require.Len(t, then.Kvs, 1)
	assert.Equal(t, "was-here", string(then.Kvs[0].Value))
}

func TestCompactionKeepsLatestRevision(t *testing.T) {
	node := startNode(t)
	ctx := testCtx(t)

	var last *clientv3.PutResponse
	for i := 0; i < 1000; i++ {
		last = mustPutKV(t, node, "k", fmt.Sprintf("v%d", i))
	}

	_, err := node.client.Compact(ctx, last.Header.Revision)
	require.NoError(t, err)

	stats := node.engine.Stats()
	assert.Equal(t, int64(1), stats.Revisions, "only the latest revision survives")
	assert.Equal(t, last.Header.Revision, stats.CompactRevision)

	cur, err := node.client.Get(ctx, "k")
	require.NoError(t, err)
	require.Len(t, cur.Kvs, 1)
	assert.Equal(t, "v999", string(cur.Kvs[0].Value))

	_, err = node.client.Get(ctx, "k", clientv3.WithRev(last.Header.Revision-1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compacted")

	// A second compaction at or below the floor is rejected.
	_, err = node.client.Compact(ctx, last.Header.Revision)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compacted")
}

func TestCompactionDropsDeletedKeys(t *testing.T) {
	node := startNode(t)
	ctx := testCtx(t)

	mustPutKV(t, node, "dead", "x")
	_, err := node.client.Delete(ctx, "dead")
	require.NoError(t, err)
	keep := mustPutKV(t, node, "alive", "y")

	_, err = node.client.Compact(ctx, keep.Header.Revision)
	require.NoError(t, err)

	stats := node.engine.Stats()
	assert.Equal(t, int64(1), stats.Keys)
	assert.Equal(t, int64(1), stats.Revisions)

	got, err := node.client.Get(ctx, "alive")
	require.NoError(t, err)
	require.Len(t, got.Kvs, 1)
	assert.Equal(t, "y", string(got.Kvs[0].Value))
}
