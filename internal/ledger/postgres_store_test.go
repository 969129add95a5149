//go:build integration

package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hearthhq/hearth/internal/testutil"
	"github.com/hearthhq/hearth/internal/txn"
)

func TestPostgresStore_AppendAndDedup(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db))
	ctx := context.Background()

	if _, err := l.AppendTransaction(ctx, &Transaction{
		UserID: "pg_user", Amount: 10000, Gross: 10000, Currency: "usd", Kind: KindDeposit, ExternalEventID: "evt_pg_1",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err := l.AppendTransaction(ctx, &Transaction{
		UserID: "pg_user", Amount: 10000, Gross: 10000, Currency: "usd", Kind: KindDeposit, ExternalEventID: "evt_pg_1",
	})
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}

	stored, computed, err := l.Verify(ctx, "pg_user")
	if err != nil {
		t.Fatal(err)
	}
	if stored != 10000 || computed != 10000 {
		t.Errorf("expected 10000/10000, got %d/%d", stored, computed)
	}
}

func TestPostgresStore_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db))
	ctx := context.Background()
	_, _ = l.AppendTransaction(ctx, &Transaction{UserID: "pg_user", Amount: 1000, Kind: KindDeposit})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.AppendTransaction(ctx, &Transaction{UserID: "pg_user", Amount: -300, Kind: KindLeadPurchase})
		}()
	}
	wg.Wait()

	bal, _ := l.GetBalance(ctx, "pg_user")
	if bal != 100 {
		t.Errorf("expected 3 debits to succeed leaving 100, got %d", bal)
	}
}

func TestPostgresStore_UnitRollback(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db))
	runner := txn.NewSQLRunner(db)
	ctx := context.Background()

	err := runner.Run(ctx, func(ctx context.Context) error {
		if _, err := l.AppendTransaction(ctx, &Transaction{
			UserID: "pg_user", Amount: 500, Kind: KindDeposit, ExternalEventID: "evt_pg_rb",
		}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, err := l.GetByExternalID(ctx, "evt_pg_rb"); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("expected row rolled back, got %v", err)
	}
}

func TestPostgresStore_Settle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	l := New(NewPostgresStore(db))
	ctx := context.Background()

	tx, err := l.AppendTransaction(ctx, &Transaction{UserID: "pg_user", Amount: 250, Kind: KindDeposit, Status: StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.SettleTransaction(ctx, tx.ID, StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if _, err := l.SettleTransaction(ctx, tx.ID, StatusFailed); !errors.Is(err, ErrImmutable) {
		t.Errorf("expected ErrImmutable, got %v", err)
	}
	if bal, _ := l.GetBalance(ctx, "pg_user"); bal != 250 {
		t.Errorf("expected 250, got %d", bal)
	}
}
