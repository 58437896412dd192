// Package ledger defines the hash-chained rows shared by every chained table,
// the canonical hashing rules, and the error taxonomy of the trust substrate.
//
// Each Chain is an independent, append-only sequence. The first row of a chain
// carries GenesisHash as its PreviousHash; every later row records the Hash of
// the row written immediately before it in the same chain. Linkage is global
// per chain, not per tenant: TenantID is hashed as content only.
//
// The package holds no storage. See internal/store for the Ledger Store and
// internal/gate for the only sanctioned write path.
package ledger
