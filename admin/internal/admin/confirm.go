package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/malbeclabs/fleetlake/indexer/pkg/docstore"
	"github.com/malbeclabs/fleetlake/indexer/pkg/indexer"
)

// Confirm prints prompt to out and reports whether the answer read from in is yes.
func Confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// ReleaseAccountLock unbinds the store from its account after confirmation, unless yes
// is set.
func ReleaseAccountLock(ctx context.Context, log *slog.Logger, store docstore.Store, yes bool, in io.Reader, out io.Writer) error {
	if !yes {
		ok, err := Confirm(in, out, "Release the account lock on this document store?")
		if err != nil {
			return err
		}
		if !ok {
			log.Info("admin: account lock release cancelled")
			return nil
		}
	}

	account, err := indexer.ReleaseAccountLock(ctx, store)
	if err != nil {
		return err
	}
	if account == "" {
		log.Info("admin: store has no account lock")
		return nil
	}
	log.Info("admin: released account lock", "account", account)
	return nil
}
