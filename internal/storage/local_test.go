package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestLocalPutGetRoundTrip(t *testing.T) {
	store := NewLocal(t.TempDir())
	ctx := context.Background()

	if err := store.Put(ctx, "a/b/c.txt", strings.NewReader("payload"), -1, nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	reader, err := store.Get(ctx, "a/b/c.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestLocalExistsAndDelete(t *testing.T) {
	store := NewLocal(t.TempDir())
	ctx := context.Background()

	ok, err := store.Exists(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("missing object reported present (ok=%v err=%v)", ok, err)
	}
	if err := store.Put(ctx, "obj", strings.NewReader("x"), -1, nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	ok, err = store.Exists(ctx, "obj")
	if err != nil || !ok {
		t.Fatalf("object not reported present (ok=%v err=%v)", ok, err)
	}
	if err := store.Delete(ctx, "obj"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, _ = store.Exists(ctx, "obj")
	if ok {
		t.Fatalf("deleted object still present")
	}
}

func TestLocalListUnderPrefix(t *testing.T) {
	store := NewLocal(t.TempDir())
	ctx := context.Background()

	for _, key := range []string{"p/1", "p/2", "q/3"} {
		if err := store.Put(ctx, key, strings.NewReader("x"), -1, nil); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	infos, err := store.List(ctx, "p")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 objects under p, got %d", len(infos))
	}
}

func TestLocalPublishAtomicAndExclusive(t *testing.T) {
	store := NewLocal(t.TempDir())
	ctx := context.Background()

	if err := store.Put(ctx, "tmp.pending", strings.NewReader("body"), -1, nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Publish(ctx, "tmp.pending", "final"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ok, _ := store.Exists(ctx, "tmp.pending"); ok {
		t.Fatalf("pending object survived publish")
	}
	if ok, _ := store.Exists(ctx, "final"); !ok {
		t.Fatalf("published object missing")
	}

	if err := store.Put(ctx, "tmp2.pending", strings.NewReader("other"), -1, nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	err := store.Publish(ctx, "tmp2.pending", "final")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestLocalContextCancellation(t *testing.T) {
	store := NewLocal(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Put(ctx, "k", strings.NewReader("x"), -1, nil); err == nil {
		t.Fatalf("expected an error from a cancelled context")
	}
}
