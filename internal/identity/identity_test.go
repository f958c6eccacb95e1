package identity

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/g960059/famsync/internal/testutil"
)

func TestResolveIsStableForSameHandle(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	r := NewResolver(store, "child-1", nil)

	id1, err := r.Resolve(ctx, []byte("opaque-token-1"), "", "Game")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	id2, err := r.Resolve(ctx, []byte("opaque-token-1"), "", "Renamed Game")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("same handle must resolve to same id: %s vs %s", id1, id2)
	}
	if _, err := uuid.Parse(string(id1)); err != nil {
		t.Fatalf("minted id should be a uuid: %v", err)
	}

	n, err := store.CountRows(ctx, "handle_mappings")
	if err != nil {
		t.Fatalf("count mappings: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one mapping row, got %d", n)
	}
}

func TestResolveDisplayNameIsNeverAKey(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	r := NewResolver(store, "child-1", nil)

	a, err := r.Resolve(ctx, []byte("handle-a"), "", "Notes")
	if err != nil {
		t.Fatalf("resolve a: %v", err)
	}
	b, err := r.Resolve(ctx, []byte("handle-b"), "", "Notes")
	if err != nil {
		t.Fatalf("resolve b: %v", err)
	}
	if a == b {
		t.Fatalf("distinct handles with same display name must get distinct ids")
	}
}

func TestResolvePlatformIDConvergesAcrossDevices(t *testing.T) {
	parentStore, ctx := testutil.NewStore(t)
	childStore, _ := testutil.NewStore(t)
	parent := NewResolver(parentStore, "parent-1", nil)
	child := NewResolver(childStore, "child-1", nil)

	p, err := parent.Resolve(ctx, []byte("parent-handle"), "com.example.game", "Game")
	if err != nil {
		t.Fatalf("parent resolve: %v", err)
	}
	c, err := child.Resolve(ctx, []byte("child-handle"), " com.example.game ", "Game (kids)")
	if err != nil {
		t.Fatalf("child resolve: %v", err)
	}
	if p != c {
		t.Fatalf("platform id should converge: %s vs %s", p, c)
	}
	if p != DeriveFromPlatformID("com.example.game") {
		t.Fatalf("unexpected derived id %s", p)
	}

	n, err := childStore.CountRows(ctx, "handle_mappings")
	if err != nil {
		t.Fatalf("count mappings: %v", err)
	}
	if n != 0 {
		t.Fatalf("platform-derived ids must not write mappings, got %d rows", n)
	}
}

func TestResolveEmptyHandleFallsBack(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	r := NewResolver(store, "child-1", nil)

	id1, err := r.Resolve(ctx, nil, "", "Mystery")
	if !errors.Is(err, ErrUnparseableHandle) {
		t.Fatalf("expected ErrUnparseableHandle, got %v", err)
	}
	if id1 == "" {
		t.Fatalf("expected fallback id")
	}
	id2, _ := r.Resolve(ctx, []byte{}, "", "Mystery")
	if id1 == id2 {
		t.Fatalf("fallback ids must be fresh")
	}
	n, err := store.CountRows(ctx, "handle_mappings")
	if err != nil {
		t.Fatalf("count mappings: %v", err)
	}
	if n != 0 {
		t.Fatalf("fallback ids must not be persisted, got %d rows", n)
	}
}

func TestResolveConcurrentFirstSightingConverges(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	r := NewResolver(store, "child-1", nil)

	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.Resolve(ctx, []byte("shared-handle"), "", "Game")
			if err != nil {
				t.Errorf("resolve %d: %v", i, err)
				return
			}
			ids[i] = string(id)
		}(i)
	}
	wg.Wait()
	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent resolves diverged: %s", strings.Join(ids, ","))
		}
	}
}

func TestHashHandle(t *testing.T) {
	got := HashHandle([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("hash mismatch: %s", got)
	}
}
