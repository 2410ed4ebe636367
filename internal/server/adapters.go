package server

import (
	"context"
	"fmt"

	"github.com/tradewind-labs/escrowd/internal/escrow"
	"github.com/tradewind-labs/escrowd/internal/ledger"
	"github.com/tradewind-labs/escrowd/internal/wallet"
)

// escrowWalletAdapter bridges the wallet provider onto the escrow service's
// settlement collaborator. Escrow accounts are provider wallets owned by
// the escrow id itself, so deposits and payouts are plain transfers between
// party wallets and the escrow wallet.
type escrowWalletAdapter struct {
	wallets wallet.Provider
}

func (a *escrowWalletAdapter) ProvisionEscrowAccount(ctx context.Context, escrowID, currency string) (string, error) {
	w, err := a.wallets.Provision(ctx, escrowID, currency)
	if err != nil {
		return "", err
	}
	return w.ID, nil
}

func (a *escrowWalletAdapter) Deposit(ctx context.Context, escrowHandle, fromUserID, amount, currency, reference string) (string, error) {
	from, err := a.wallets.Provision(ctx, fromUserID, currency)
	if err != nil {
		return "", fmt.Errorf("failed to resolve buyer wallet: %w", err)
	}
	receipt, err := a.wallets.Transfer(ctx, wallet.TransferRequest{
		FromID:    from.ID,
		ToID:      escrowHandle,
		Amount:    amount,
		Currency:  currency,
		Reference: reference,
	})
	if err != nil {
		return "", err
	}
	return receipt.Signature, nil
}

func (a *escrowWalletAdapter) Payout(ctx context.Context, escrowHandle, toUserID, amount, currency, reference string) (string, error) {
	to, err := a.wallets.Provision(ctx, toUserID, currency)
	if err != nil {
		return "", fmt.Errorf("failed to resolve payout wallet: %w", err)
	}
	receipt, err := a.wallets.Transfer(ctx, wallet.TransferRequest{
		FromID:    escrowHandle,
		ToID:      to.ID,
		Amount:    amount,
		Currency:  currency,
		Reference: reference,
	})
	if err != nil {
		return "", err
	}
	return receipt.Signature, nil
}

// ledgerRecorderAdapter records escrow money movements as ledger
// transactions linked through SourceID.
type ledgerRecorderAdapter struct {
	ledger *ledger.Service
}

func (a *ledgerRecorderAdapter) RecordEscrowTransaction(ctx context.Context, escrowID, userID, txType, amount, currency, reason string) (string, error) {
	t := ledger.Type(txType)
	if !t.Valid() {
		return "", fmt.Errorf("unknown transaction type %q", txType)
	}
	tx, err := a.ledger.CreateTransaction(ctx, ledger.CreateParams{
		UserID:   userID,
		Type:     t,
		Amount:   amount,
		Currency: currency,
		SourceID: escrowID,
		Metadata: map[string]any{"reason": reason},
	})
	if err != nil {
		return "", err
	}
	// The escrow movement already settled on the wallet side.
	if _, err := a.ledger.UpdateTransactionStatus(ctx, tx.ID, ledger.StatusCompleted, reason, nil); err != nil {
		return tx.ID, err
	}
	return tx.ID, nil
}

var _ escrow.WalletProvider = (*escrowWalletAdapter)(nil)
var _ escrow.TransactionRecorder = (*ledgerRecorderAdapter)(nil)
