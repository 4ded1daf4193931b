package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"presupuesto/internal/core"
	"presupuesto/internal/storage"
	"presupuesto/internal/storage/storagetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return New() })
}

func TestWriterWaitIsBounded(t *testing.T) {
	s := New()
	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error { return nil })
	if !errors.Is(err, core.ErrConflict) {
		t.Fatalf("expected conflict while writer slot is held, got %v", err)
	}
}

func TestReadsDoNotSeeUncommittedWrites(t *testing.T) {
	s := New()
	key := core.NewKey("P1", "5151")
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.EnsureLineItem(ctx, key); err != nil {
			return err
		}
		if _, err := s.GetLineItem(ctx, key); !errors.Is(err, core.ErrNotFound) {
			t.Errorf("uncommitted line item visible: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if _, err := s.GetLineItem(context.Background(), key); err != nil {
		t.Fatalf("committed line item missing: %v", err)
	}
}

func TestClosedStore(t *testing.T) {
	s := New()
	s.Close()
	if err := s.Ping(context.Background()); !errors.Is(err, core.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}
