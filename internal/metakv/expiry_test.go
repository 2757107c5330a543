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

package metakv

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLeaseExpirerRevokesExpired(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, _, err := e.LeaseGrant(ctx, 0, 1)
	if err != nil {
		t.Fatalf("LeaseGrant: %v", err)
	}
	if _, _, err := e.Put(ctx, []byte("foo"), []byte("bar"), PutOptions{Lease: id}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	x := NewLeaseExpirer(e, 20*time.Millisecond, func() bool { return true }, nil)
	go x.Run()
	defer x.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for e.Leases().Exists(id) {
		if time.Now().After(deadline) {
			t.Fatal("expired lease was not revoked")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := e.Get([]byte("foo")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("leased key err = %v, want ErrKeyNotFound", err)
	}
}

func TestLeaseExpirerFollowerIdle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	id, _, err := e.LeaseGrant(ctx, 0, 1)
	if err != nil {
		t.Fatalf("LeaseGrant: %v", err)
	}

	x := NewLeaseExpirer(e, 10*time.Millisecond, func() bool { return false }, nil)
	go x.Run()

	time.Sleep(1200 * time.Millisecond)
	x.Stop()
	if !e.Leases().Exists(id) {
		t.Error("follower must not revoke leases")
	}
}

func TestLeaseExpirerKeepsRenewed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	id, _, err := e.LeaseGrant(ctx, 0, 2)
	if err != nil {
		t.Fatalf("LeaseGrant: %v", err)
	}

	x := NewLeaseExpirer(e, 20*time.Millisecond, func() bool { return true }, nil)
	go x.Run()
	defer x.Stop()

	// Renewing inside the TTL keeps the lease alive past its original
	// deadline.
	for i := 0; i < 4; i++ {
		time.Sleep(500 * time.Millisecond)
		if _, err := e.LeaseRenew(ctx, id); err != nil {
			t.Fatalf("LeaseRenew: %v", err)
		}
	}
	if !e.Leases().Exists(id) {
		t.Error("renewed lease should still exist")
	}
}
