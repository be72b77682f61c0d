package mutation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustJournal(t *testing.T) *Journal {
	t.Helper()
	journal, err := NewJournal(JournalConfig{
		Database:   openJournalDatabase(t),
		Clock:      func() time.Time { return fixedNow },
		IDProvider: &sequenceIDs{prefix: "entry"},
	})
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	return journal
}

func mustAppend(t *testing.T, journal *Journal, operation Operation, entityID string) JournalEntry {
	t.Helper()
	entry, err := journal.Append(context.Background(), operation, "messages", entityID, "c1", "{}")
	if err != nil {
		t.Fatalf("append %s: %v", entityID, err)
	}
	return entry
}

func TestNewJournalValidatesConfig(t *testing.T) {
	_, err := NewJournal(JournalConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "mutation.journal.new.missing_database" {
		t.Fatalf("expected missing_database service error, got %v", err)
	}
	_, err = NewJournal(JournalConfig{Database: openJournalDatabase(t)})
	if !errors.Is(err, errMissingIDProvider) {
		t.Fatalf("expected errMissingIDProvider, got %v", err)
	}
}

func TestJournalAppendRequiresEntity(t *testing.T) {
	journal := mustJournal(t)
	_, err := journal.Append(context.Background(), OperationEdit, "messages", "", "c1", "{}")
	if !errors.Is(err, errMissingEntityID) {
		t.Fatalf("expected errMissingEntityID, got %v", err)
	}
}

func TestJournalResolveOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	journal := mustJournal(t)
	entry := mustAppend(t, journal, OperationEdit, "m1")

	if err := journal.MarkFailed(ctx, entry.EntryID, errors.New("boom")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := journal.MarkSent(ctx, entry.EntryID, ""); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	stored, err := journal.Entry(ctx, entry.EntryID)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if stored.Status != string(StatusFailed) || stored.ErrorCode != "transport" {
		t.Fatalf("expected failed entry to stay failed, got %+v", stored)
	}
}

func TestJournalFailInterrupted(t *testing.T) {
	ctx := context.Background()
	journal := mustJournal(t)
	pending := mustAppend(t, journal, OperationPin, "m1")
	sent := mustAppend(t, journal, OperationEdit, "m2")
	if err := journal.MarkSent(ctx, sent.EntryID, ""); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	count, err := journal.FailInterrupted(ctx)
	if err != nil {
		t.Fatalf("fail interrupted: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one interrupted entry, got %d", count)
	}
	stored, err := journal.Entry(ctx, pending.EntryID)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if stored.Status != string(StatusFailed) || stored.ErrorCode != interruptedCode {
		t.Fatalf("unexpected interrupted entry %+v", stored)
	}
	failed, err := journal.Entries(ctx, StatusFailed, 0)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected one failed entry, got %d", len(failed))
	}
}

func TestJournalEntriesNewestFirst(t *testing.T) {
	journal := mustJournal(t)
	mustAppend(t, journal, OperationEdit, "m1")
	mustAppend(t, journal, OperationDelete, "m2")
	mustAppend(t, journal, OperationPin, "m3")

	entries, err := journal.Entries(context.Background(), "", 2)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(entries))
	}
	if entries[0].EntityID != "m3" || entries[1].EntityID != "m2" {
		t.Fatalf("unexpected order %s, %s", entries[0].EntityID, entries[1].EntityID)
	}
}
