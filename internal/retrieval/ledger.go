package retrieval

import (
	"context"
	"fmt"
)

// PostLog reads seed hashes of successful posts, newest first.
type PostLog interface {
	RecentSeedHashes(ctx context.Context, accountID string, lookback int) ([]string, error)
}

// Dedup scopes.
const (
	ScopeAccount = "account"
	ScopeGlobal  = "global"
)

// Ledger is a read view over the post record log used to avoid reusing
// recent seeds.
type Ledger struct {
	log      PostLog
	scope    string
	lookback int
}

// NewLedger creates a Ledger. An unknown scope is treated as per-account.
func NewLedger(log PostLog, scope string, lookback int) *Ledger {
	if scope != ScopeGlobal {
		scope = ScopeAccount
	}
	if lookback <= 0 {
		lookback = 50
	}
	return &Ledger{log: log, scope: scope, lookback: lookback}
}

// RecentHashes returns the seed hashes of the most recent successful posts
// as a set. With global scope accountID is ignored.
func (l *Ledger) RecentHashes(ctx context.Context, accountID string) (map[string]struct{}, error) {
	return l.RecentHashesN(ctx, accountID, l.lookback)
}

// RecentHashesN is RecentHashes with an explicit lookback.
func (l *Ledger) RecentHashesN(ctx context.Context, accountID string, lookback int) (map[string]struct{}, error) {
	if l.scope == ScopeGlobal {
		accountID = ""
	}
	hashes, err := l.log.RecentSeedHashes(ctx, accountID, lookback)
	if err != nil {
		return nil, fmt.Errorf("reading recent seed hashes: %w", err)
	}
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set, nil
}
