// Package sessiontest holds the conformance tests every session.Store
// implementation must pass.
package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/session"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) session.Store

// Run exercises store semantics against a backend.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndLoad", func(t *testing.T) { testCreateAndLoad(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("CreateInvalidID", func(t *testing.T) { testCreateInvalidID(t, newStore(t)) })
	t.Run("LoadMissing", func(t *testing.T) { testLoadMissing(t, newStore(t)) })
	t.Run("AppendSequence", func(t *testing.T) { testAppendSequence(t, newStore(t)) })
	t.Run("AppendValidation", func(t *testing.T) { testAppendValidation(t, newStore(t)) })
	t.Run("ConcurrentAppend", func(t *testing.T) { testConcurrentAppend(t, newStore(t)) })
	t.Run("ClearIdempotent", func(t *testing.T) { testClearIdempotent(t, newStore(t)) })
	t.Run("ListOrder", func(t *testing.T) { testListOrder(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("Rename", func(t *testing.T) { testRename(t, newStore(t)) })
	t.Run("UpdateMetadata", func(t *testing.T) { testUpdateMetadata(t, newStore(t)) })
}

func mustCreate(t *testing.T, s session.Store, id string, opts session.CreateOptions) session.Session {
	t.Helper()
	sess, err := s.Create(context.Background(), id, opts)
	if err != nil {
		t.Fatalf("Create(%q): %v", id, err)
	}
	return sess
}

func mustAppend(t *testing.T, s session.Store, id string, role session.Role, text string) session.Turn {
	t.Helper()
	turn, err := s.Append(context.Background(), id, role, text)
	if err != nil {
		t.Fatalf("Append(%q): %v", id, err)
	}
	return turn
}

func mustLoad(t *testing.T, s session.Store, id string) session.Session {
	t.Helper()
	sess, err := s.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load(%q): %v", id, err)
	}
	return sess
}

func testCreateAndLoad(t *testing.T, s session.Store) {
	created := mustCreate(t, s, "", session.CreateOptions{
		DisplayName: session.StringPtr("Ada"),
		Persona:     session.StringPtr("terse engineer"),
	})
	if created.ID == "" {
		t.Fatal("Create with empty id should generate one")
	}
	if created.State != session.StateNew {
		t.Errorf("State = %q, want %q", created.State, session.StateNew)
	}

	loaded := mustLoad(t, s, created.ID)
	if loaded.ID != created.ID {
		t.Errorf("ID = %q, want %q", loaded.ID, created.ID)
	}
	if len(loaded.Turns) != 0 {
		t.Errorf("new session has %d turns, want 0", len(loaded.Turns))
	}
	if session.Deref(loaded.DisplayName) != "Ada" {
		t.Errorf("DisplayName = %q, want Ada", session.Deref(loaded.DisplayName))
	}
	if session.Deref(loaded.Persona) != "terse engineer" {
		t.Errorf("Persona = %q", session.Deref(loaded.Persona))
	}
	if !loaded.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", loaded.CreatedAt, created.CreatedAt)
	}

	named := mustCreate(t, s, "work", session.CreateOptions{})
	if named.ID != "work" {
		t.Errorf("ID = %q, want work", named.ID)
	}
	if named.Persona != nil {
		t.Errorf("Persona = %q, want nil", *named.Persona)
	}
}

func testCreateDuplicate(t *testing.T, s session.Store) {
	mustCreate(t, s, "dup", session.CreateOptions{})
	_, err := s.Create(context.Background(), "dup", session.CreateOptions{})
	if !errors.Is(err, apperr.ErrDuplicate) {
		t.Fatalf("second Create error = %v, want ErrDuplicate", err)
	}
}

func testCreateInvalidID(t *testing.T, s session.Store) {
	for _, id := range []string{"../escape", "has space", "a/b"} {
		_, err := s.Create(context.Background(), id, session.CreateOptions{})
		if !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Create(%q) error = %v, want ErrValidation", id, err)
		}
	}
}

func testLoadMissing(t *testing.T, s session.Store) {
	_, err := s.Load(context.Background(), "nope")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Load error = %v, want ErrNotFound", err)
	}
	_, err = s.Append(context.Background(), "nope", session.RoleUser, "hi")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Append error = %v, want ErrNotFound", err)
	}
	if err := s.Clear(context.Background(), "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Clear error = %v, want ErrNotFound", err)
	}
}

func testAppendSequence(t *testing.T, s session.Store) {
	created := mustCreate(t, s, "seq", session.CreateOptions{})

	roles := []session.Role{session.RoleUser, session.RoleAssistant, session.RoleUser}
	for i, role := range roles {
		turn := mustAppend(t, s, "seq", role, fmt.Sprintf("message %d", i))
		if turn.Seq != i {
			t.Errorf("turn %d Seq = %d", i, turn.Seq)
		}
	}

	loaded := mustLoad(t, s, "seq")
	if len(loaded.Turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(loaded.Turns))
	}
	for i, turn := range loaded.Turns {
		if turn.Seq != i || turn.Role != roles[i] || turn.Content != fmt.Sprintf("message %d", i) {
			t.Errorf("turn %d = %+v", i, turn)
		}
	}
	if loaded.State != session.StateActive {
		t.Errorf("State = %q, want active", loaded.State)
	}
	if loaded.UpdatedAt.Before(created.CreatedAt) {
		t.Errorf("UpdatedAt %v before CreatedAt %v", loaded.UpdatedAt, created.CreatedAt)
	}
}

func testAppendValidation(t *testing.T, s session.Store) {
	mustCreate(t, s, "v", session.CreateOptions{})
	ctx := context.Background()

	if _, err := s.Append(ctx, "v", session.RoleUser, "   "); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("blank text error = %v, want ErrValidation", err)
	}
	if _, err := s.Append(ctx, "v", session.Role("system"), "hi"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("bad role error = %v, want ErrValidation", err)
	}
	if n := len(mustLoad(t, s, "v").Turns); n != 0 {
		t.Errorf("rejected appends stored %d turns", n)
	}
}

func testConcurrentAppend(t *testing.T, s session.Store) {
	mustCreate(t, s, "race", session.CreateOptions{})

	const writers, perWriter = 10, 5
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.Append(context.Background(), "race", session.RoleUser, fmt.Sprintf("w%d-%d", w, i)); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Append: %v", err)
	}

	loaded := mustLoad(t, s, "race")
	if len(loaded.Turns) != writers*perWriter {
		t.Fatalf("got %d turns, want %d", len(loaded.Turns), writers*perWriter)
	}
	seen := make(map[string]bool)
	for i, turn := range loaded.Turns {
		if turn.Seq != i {
			t.Fatalf("turn at position %d has Seq %d; sequence has a gap or duplicate", i, turn.Seq)
		}
		if seen[turn.Content] {
			t.Fatalf("content %q stored twice", turn.Content)
		}
		seen[turn.Content] = true
	}
}

func testClearIdempotent(t *testing.T, s session.Store) {
	created := mustCreate(t, s, "c", session.CreateOptions{Persona: session.StringPtr("p")})
	mustAppend(t, s, "c", session.RoleUser, "one")
	mustAppend(t, s, "c", session.RoleAssistant, "two")

	ctx := context.Background()
	if err := s.Clear(ctx, "c"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	first := mustLoad(t, s, "c")
	if err := s.Clear(ctx, "c"); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
	second := mustLoad(t, s, "c")

	for _, got := range []session.Session{first, second} {
		if len(got.Turns) != 0 {
			t.Errorf("cleared session has %d turns", len(got.Turns))
		}
		if got.State != session.StateCleared {
			t.Errorf("State = %q, want cleared", got.State)
		}
		if got.ID != "c" || !got.CreatedAt.Equal(created.CreatedAt) {
			t.Errorf("identity changed: %+v", got)
		}
		if session.Deref(got.Persona) != "p" {
			t.Errorf("Persona = %q, want p", session.Deref(got.Persona))
		}
	}

	turn := mustAppend(t, s, "c", session.RoleUser, "fresh")
	if turn.Seq != 0 {
		t.Errorf("first Seq after clear = %d, want 0", turn.Seq)
	}
	if got := mustLoad(t, s, "c"); got.State != session.StateActive {
		t.Errorf("State after append = %q, want active", got.State)
	}
}

func testListOrder(t *testing.T, s session.Store) {
	for _, id := range []string{"a", "b", "c"} {
		mustCreate(t, s, id, session.CreateOptions{})
		time.Sleep(2 * time.Millisecond)
	}
	mustAppend(t, s, "a", session.RoleUser, "bump")

	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []string
	for _, sum := range list {
		ids = append(ids, sum.ID)
	}
	want := []string{"a", "c", "b"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("List order = %v, want %v", ids, want)
	}
	if list[0].TurnCount != 1 {
		t.Errorf("TurnCount = %d, want 1", list[0].TurnCount)
	}
}

func testDelete(t *testing.T, s session.Store) {
	mustCreate(t, s, "d", session.CreateOptions{})
	mustAppend(t, s, "d", session.RoleUser, "x")
	ctx := context.Background()

	if err := s.Delete(ctx, "d"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, "d"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Load after delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "d"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}

	// The id is free again.
	if got := mustCreate(t, s, "d", session.CreateOptions{}); len(got.Turns) != 0 {
		t.Errorf("recreated session has %d turns", len(got.Turns))
	}
}

func testRename(t *testing.T, s session.Store) {
	mustCreate(t, s, "old", session.CreateOptions{})
	mustAppend(t, s, "old", session.RoleUser, "kept")
	mustCreate(t, s, "taken", session.CreateOptions{})
	ctx := context.Background()

	if err := s.Rename(ctx, "old", "taken"); !errors.Is(err, apperr.ErrDuplicate) {
		t.Errorf("Rename onto existing error = %v, want ErrDuplicate", err)
	}
	if err := s.Rename(ctx, "missing", "fresh"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Rename missing error = %v, want ErrNotFound", err)
	}
	if err := s.Rename(ctx, "old", "bad id"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Rename to invalid id error = %v, want ErrValidation", err)
	}

	if err := s.Rename(ctx, "old", "new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := s.Load(ctx, "old"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("old id still loads: %v", err)
	}
	renamed := mustLoad(t, s, "new")
	if len(renamed.Turns) != 1 || renamed.Turns[0].Content != "kept" {
		t.Errorf("turns not carried over: %+v", renamed.Turns)
	}
	if turn := mustAppend(t, s, "new", session.RoleAssistant, "next"); turn.Seq != 1 {
		t.Errorf("Seq after rename = %d, want 1", turn.Seq)
	}
}

func testUpdateMetadata(t *testing.T, s session.Store) {
	mustCreate(t, s, "m", session.CreateOptions{DisplayName: session.StringPtr("Ada")})
	ctx := context.Background()

	if err := s.Update(ctx, "m", session.MetadataUpdate{Persona: session.StringPtr("historian")}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got := mustLoad(t, s, "m")
	if session.Deref(got.Persona) != "historian" {
		t.Errorf("Persona = %q, want historian", session.Deref(got.Persona))
	}
	if session.Deref(got.DisplayName) != "Ada" {
		t.Errorf("DisplayName changed to %q", session.Deref(got.DisplayName))
	}

	if err := s.Update(ctx, "m", session.MetadataUpdate{DisplayName: session.StringPtr("")}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := mustLoad(t, s, "m"); got.DisplayName != nil {
		t.Errorf("DisplayName = %q, want nil", *got.DisplayName)
	}

	if err := s.Update(ctx, "ghost", session.MetadataUpdate{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Update missing error = %v, want ErrNotFound", err)
	}
}
