package registry_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/MrWong99/voicegrade/internal/registry"
	"github.com/MrWong99/voicegrade/internal/transcript"
)

func intPtr(v int) *int { return &v }

func strPtr(s string) *string { return &s }

func TestMerge_IsIdempotent(t *testing.T) {
	t.Parallel()

	pairs := []transcript.ParsedPair{
		{StudentID: "202401", Name: "张三", Score: 95},
		{Name: "李四", Score: 88},
	}

	once, res := registry.Merge(nil, pairs)
	if res.Added != 2 || res.Updated != 0 {
		t.Fatalf("first merge result=%+v, want 2 added", res)
	}
	twice, res := registry.Merge(once, pairs)
	if res.Added != 0 || res.Updated != 2 {
		t.Errorf("second merge result=%+v, want 2 updated", res)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("merging twice changed the table:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestMerge_PreservesIDsAndOrder(t *testing.T) {
	t.Parallel()

	existing := []registry.Entry{
		{ID: "row-a", StudentID: "202401", Name: "张三", Score: intPtr(60)},
		{ID: "row-b", Name: "李四", Score: intPtr(70)},
		{ID: "row-c", Name: "王五"},
	}
	pairs := []transcript.ParsedPair{
		{Name: "赵六", Score: 80},
		{StudentID: "202401", Name: "张三", Score: 90},
		{Name: "王五", Score: 75},
	}

	got, res := registry.Merge(existing, pairs)
	if res.Added != 1 || res.Updated != 2 {
		t.Errorf("result=%+v, want 1 added 2 updated", res)
	}
	if len(got) != 4 {
		t.Fatalf("len=%d, want 4", len(got))
	}

	wantIDs := []string{"row-a", "row-b", "row-c"}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Errorf("got[%d].ID=%q, want %q", i, got[i].ID, id)
		}
	}
	if *got[0].Score != 90 {
		t.Errorf("张三 score=%d, want 90", *got[0].Score)
	}
	if *got[1].Score != 70 {
		t.Errorf("李四 score=%d, want untouched 70", *got[1].Score)
	}
	if got[2].Score == nil || *got[2].Score != 75 {
		t.Errorf("王五 score=%v, want 75", got[2].Score)
	}
	if got[3].Name != "赵六" || got[3].ID == "" {
		t.Errorf("appended row=%+v, want 赵六 with a fresh id", got[3])
	}

	if *existing[0].Score != 60 {
		t.Error("Merge modified its input")
	}
}

func TestMerge_RejectsEmptyIdentity(t *testing.T) {
	t.Parallel()

	got, res := registry.Merge(nil, []transcript.ParsedPair{{Score: 50}})
	if len(got) != 0 || res.Rejected != 1 {
		t.Errorf("got=%+v res=%+v, want nothing merged and 1 rejected", got, res)
	}
}

func TestMerge_DuplicatesWithinBatchCollapse(t *testing.T) {
	t.Parallel()

	got, _ := registry.Merge(nil, []transcript.ParsedPair{
		{Name: "张三", Score: 80},
		{Name: "张三", Score: 90},
	})
	if len(got) != 1 || *got[0].Score != 90 {
		t.Errorf("got=%+v, want one row with 90", got)
	}
}

func TestRegistry_CRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := registry.New(nil)

	row := r.Add(ctx)
	if row.ID == "" || row.Score != nil {
		t.Fatalf("Add returned %+v, want an empty row with an id", row)
	}

	updated, err := r.Update(ctx, row.ID, registry.Patch{
		StudentID: strPtr(" 2024-01 "),
		Name:      strPtr(" 张三 "),
		Score:     intPtr(130),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.StudentID != "202401" || updated.Name != "张三" || *updated.Score != 100 {
		t.Errorf("Update=%+v, want 202401/张三/100", updated)
	}

	updated, err = r.Update(ctx, row.ID, registry.Patch{ClearScore: true, Score: intPtr(5)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Score != nil {
		t.Errorf("score=%v after ClearScore, want nil", *updated.Score)
	}

	res := r.Merge(ctx, []transcript.ParsedPair{{StudentID: "202401", Name: "张三", Score: 77}})
	if res.Updated != 1 || r.Len() != 1 {
		t.Errorf("Merge result=%+v len=%d, want the manual row updated", res, r.Len())
	}
	if got := r.List()[0]; got.ID != row.ID || *got.Score != 77 {
		t.Errorf("row=%+v, want id %s score 77", got, row.ID)
	}

	if err := r.Delete(ctx, row.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := r.Delete(ctx, row.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("second Delete err=%v, want ErrNotFound", err)
	}
	if _, err := r.Update(ctx, "missing", registry.Patch{}); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Update(missing) err=%v, want ErrNotFound", err)
	}
}

func TestRegistry_Clear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var r registry.Registry
	r.Merge(ctx, []transcript.ParsedPair{{Name: "张三", Score: 1}, {Name: "李四", Score: 2}})
	if n := r.Clear(ctx); n != 2 {
		t.Errorf("Clear()=%d, want 2", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len()=%d after Clear, want 0", r.Len())
	}
}

func TestRegistry_WithIDFunc(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := 0
	r := registry.New(nil, registry.WithIDFunc(func() string {
		n++
		return fmt.Sprintf("row-%d", n)
	}))

	added := r.Add(ctx)
	r.Merge(ctx, []transcript.ParsedPair{
		{StudentID: "202401", Name: "张三", Score: 90},
		{Name: "李四", Score: 80},
	})

	want := []string{"row-1", "row-2", "row-3"}
	got := r.List()
	if len(got) != len(want) {
		t.Fatalf("List() = %+v, want %d rows", got, len(want))
	}
	if added.ID != want[0] {
		t.Errorf("Add() ID = %q, want %q", added.ID, want[0])
	}
	for i, w := range want {
		if got[i].ID != w {
			t.Errorf("row %d ID = %q, want %q", i, got[i].ID, w)
		}
	}
}
