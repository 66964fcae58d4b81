package consent

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryCreateEnforcesOutstandingUniqueness(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := &PendingConsentRequest{
		RequestID: "req-1", SubjectID: "subject-1", HolderID: "holder-1",
		Scope: "finance.data.read", Status: StatusRequested,
		CreatedAt: now, PollTimeoutAt: now.Add(5 * time.Minute),
	}
	if err := store.Requests(ctx).Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dup := *first
	dup.RequestID = "req-2"
	if err := store.Requests(ctx).Create(ctx, &dup); !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("duplicate Create = %v, want ErrAlreadyPending", err)
	}

	// A different holder does not collide.
	other := *first
	other.RequestID = "req-3"
	other.HolderID = "holder-2"
	if err := store.Requests(ctx).Create(ctx, &other); err != nil {
		t.Fatalf("Create for second holder: %v", err)
	}

	// Resolving the outstanding row frees the slot.
	if err := store.Requests(ctx).Resolve(ctx, "req-1", StatusRequested, StatusDenied, now, ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := store.Requests(ctx).Create(ctx, &dup); err != nil {
		t.Fatalf("Create after resolution: %v", err)
	}
}

func TestInMemoryExportPutRejectsDuplicateToken(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	export := &EncryptedExport{
		ID: "exp-1", Token: "HCT:abc.def",
		SubjectID: "subject-1", HolderID: "holder-1", Scope: "finance.data.read",
		Ciphertext: "ct", IV: "iv", Tag: "tag", ExportKey: "key",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := store.Exports(ctx).Put(ctx, export); err != nil {
		t.Fatalf("Put: %v", err)
	}

	second := *export
	second.ID = "exp-2"
	second.Ciphertext = "replacement"
	if err := store.Exports(ctx).Put(ctx, &second); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate Put = %v, want ErrAlreadyExists", err)
	}

	got, err := store.Exports(ctx).FindByToken(ctx, export.Token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Ciphertext != "ct" {
		t.Fatalf("first bundle replaced: %+v", got)
	}
}
