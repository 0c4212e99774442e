package domain

import (
	"errors"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
)

func TestTaskMarshalIncludesZeroVersion(t *testing.T) {
	task := Task{ID: "t1", BoardID: "home", Title: "Title", Status: StatusTodo}

	payload, err := sonic.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}

	if !strings.Contains(string(payload), "\"version\":0") {
		t.Fatalf("expected version field to be present, got %s", payload)
	}
}

func TestPatchApplyLeavesUnsetFields(t *testing.T) {
	title := "Buy oat milk"
	task := Task{ID: "t1", Title: "Buy milk", Description: "2L", Status: StatusTodo, Version: 3}

	got := Patch{Title: &title}.Apply(task)
	if got.Title != title || got.Description != "2L" || got.Status != StatusTodo || got.Version != 3 {
		t.Fatalf("unexpected task after patch: %#v", got)
	}
	if task.Title != "Buy milk" {
		t.Fatalf("patch mutated the original task")
	}
}

func TestPatchEmpty(t *testing.T) {
	if !(Patch{}).Empty() {
		t.Fatal("expected zero patch to be empty")
	}
	s := StatusDone
	if (Patch{Status: &s}).Empty() {
		t.Fatal("expected status patch to be non-empty")
	}
}

func TestCanDelete(t *testing.T) {
	task := Task{CreatedBy: "alice"}
	if !task.CanDelete("alice", RoleUser) {
		t.Fatal("creator should be able to delete")
	}
	if task.CanDelete("bob", RoleUser) {
		t.Fatal("non-creator user should not be able to delete")
	}
	if !task.CanDelete("bob", RoleAdmin) {
		t.Fatal("admin should be able to delete")
	}
	if task.CanDelete("", RoleAdmin) {
		t.Fatal("anonymous identity should not be able to delete")
	}
}

func TestConflictErrorUnwraps(t *testing.T) {
	err := error(&ConflictError{Expected: 0, Current: Task{ID: "t1", Version: 1}})
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatal("expected conflict error to match ErrConcurrencyConflict")
	}
	var ce *ConflictError
	if !errors.As(err, &ce) || ce.Current.Version != 1 {
		t.Fatalf("unexpected conflict error: %#v", ce)
	}
}
