// Package capital is a ledger cache: account balances, account labels and
// label-selector results held under explicit leases and refreshed in the
// background.
//
// Components:
//   - ledger.Backend: where balances, labels and selector matches come from
//     (memstore, redisstore, pgstore, kvstore over a byte provider).
//   - refcache.Instance: one reference-counted cache per kind of value.
//   - Cache: wires three instances together. A selector entry owns one
//     reference on every member account in the balance and label caches,
//     so holding a selector keeps its members resident.
//   - Handle: a lease on one selector. Release it exactly once.
//
// Lease pattern:
//
//	h, err := cache.Query(ctx, ledger.Select(ledger.Is("shop", "bakery")))
//	if err != nil { ... }
//	defer h.Release()
//	accounts, err := h.Accounts() // snapshots, stale after the next refresh
package capital
