package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
)

var accountLockRef = docstore.NewRef("_locks", "account")

// checkAccountLock binds the document store to one account number on first use and
// refuses to run against a store bound to a different account. The binding is created
// atomically, so of two indexers starting together only one binds and the other compares
// against it.
func checkAccountLock(ctx context.Context, store docstore.Store, accountNumber string) error {
	created, err := store.Create(ctx, accountLockRef, map[string]any{"account_number": accountNumber})
	if err != nil {
		return fmt.Errorf("failed to write account lock: %w", err)
	}
	if created {
		return nil
	}

	doc, ok, err := store.Get(ctx, accountLockRef)
	if err != nil {
		return fmt.Errorf("failed to read account lock: %w", err)
	}
	if !ok {
		return errors.New("account lock was released while starting, retry")
	}
	stored, _ := doc["account_number"].(string)
	if stored != accountNumber {
		return fmt.Errorf("store is locked to account %q but indexer is configured for %q", stored, accountNumber)
	}
	return nil
}

// ReleaseAccountLock removes the account binding and returns the account it was bound
// to. It returns an empty string when the store was not bound.
func ReleaseAccountLock(ctx context.Context, store docstore.Store) (string, error) {
	doc, ok, err := store.Get(ctx, accountLockRef)
	if err != nil {
		return "", fmt.Errorf("failed to read account lock: %w", err)
	}
	if !ok {
		return "", nil
	}
	batch := store.NewBatch()
	batch.Delete(accountLockRef)
	if err := batch.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to delete account lock: %w", err)
	}
	stored, _ := doc["account_number"].(string)
	return stored, nil
}
