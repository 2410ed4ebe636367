package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tradewind-labs/escrowd/internal/testutil"
)

func pgEscrow(id, buyerID, sellerID string) *Escrow {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Escrow{
		ID:            id,
		ListingID:     "lst_pg",
		BuyerID:       buyerID,
		SellerID:      sellerID,
		Amount:        "75.250000",
		Currency:      "USD",
		Status:        StatusCreated,
		EscrowAddress: "wal_" + id,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestPostgresStoreEscrowRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	unlock := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Microsecond)
	esc := pgEscrow("esc_pg_1", "buyer_pg", "seller_pg")
	esc.AdminID = "admin_pg"
	esc.IsMultiSig = true
	esc.MultiSig = &MultiSigState{RequiredSignatures: 2}
	esc.IsTimeLocked = true
	esc.UnlockTime = &unlock
	esc.AutoResolveAfterDays = 7
	esc.DisputeResolutionMode = ResolutionSplit
	if err := store.Create(ctx, esc); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "esc_pg_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Amount != "75.250000" || got.Status != StatusCreated {
		t.Errorf("amount/status = %s %s", got.Amount, got.Status)
	}
	if got.AdminID != "admin_pg" || !got.IsMultiSig || got.MultiSig == nil {
		t.Errorf("multi-sig fields = %q %v %v", got.AdminID, got.IsMultiSig, got.MultiSig)
	}
	if got.MultiSig.RequiredSignatures != 2 {
		t.Errorf("RequiredSignatures = %d", got.MultiSig.RequiredSignatures)
	}
	if !got.IsTimeLocked || got.UnlockTime == nil || !got.UnlockTime.Equal(unlock) {
		t.Errorf("time-lock fields = %v %v", got.IsTimeLocked, got.UnlockTime)
	}
	if got.DisputeResolutionMode != ResolutionSplit || got.AutoResolveAfterDays != 7 {
		t.Errorf("dispute policy = %s %d", got.DisputeResolutionMode, got.AutoResolveAfterDays)
	}

	if _, err := store.Get(ctx, "esc_missing"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("Get(missing) = %v, want ErrEscrowNotFound", err)
	}
}

func TestPostgresStoreEscrowUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	esc := pgEscrow("esc_pg_u", "buyer_pg", "seller_pg")
	if err := store.Create(ctx, esc); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	fundedAt := time.Now().UTC().Truncate(time.Microsecond)
	esc.Status = StatusFunded
	esc.TransactionSignature = "sig_pg_fund"
	esc.FundedAt = &fundedAt
	esc.UpdatedAt = fundedAt
	if err := store.Update(ctx, esc); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, "esc_pg_u")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusFunded || got.TransactionSignature != "sig_pg_fund" {
		t.Errorf("updated escrow = %s %q", got.Status, got.TransactionSignature)
	}
	if got.FundedAt == nil || !got.FundedAt.Equal(fundedAt) {
		t.Errorf("FundedAt = %v", got.FundedAt)
	}

	missing := pgEscrow("esc_pg_none", "b", "s")
	if err := store.Update(ctx, missing); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("Update(missing) = %v, want ErrEscrowNotFound", err)
	}
}

func TestPostgresStoreEscrowListsAndCounts(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	a := pgEscrow("esc_pg_a", "buyer_x", "seller_y")
	b := pgEscrow("esc_pg_b", "buyer_z", "seller_x") // buyer_x's counterparty role
	b.BuyerID = "buyer_z"
	b.SellerID = "buyer_x"
	c := pgEscrow("esc_pg_c", "buyer_q", "seller_q")
	c.Status = StatusDisputed
	for _, e := range []*Escrow{a, b, c} {
		if err := store.Create(ctx, e); err != nil {
			t.Fatalf("Create %s failed: %v", e.ID, err)
		}
	}

	// ListByUser matches either side of the trade.
	mine, err := store.ListByUser(ctx, "buyer_x", 10)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("ListByUser = %d rows, want 2", len(mine))
	}

	disputed, err := store.ListByStatus(ctx, StatusDisputed, 10)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(disputed) != 1 || disputed[0].ID != "esc_pg_c" {
		t.Errorf("ListByStatus = %v", disputed)
	}

	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts[StatusCreated] != 2 || counts[StatusDisputed] != 1 {
		t.Errorf("Counts = %v", counts)
	}
}
