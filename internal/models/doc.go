// Package models defines the core domain models for the tontine service.
//
// # Models
//
//   - Tontine: a rotating savings group with a contribution schedule
//   - Caisse: a named sub-account of a tontine holding pooled money
//   - Member: one user's participation record in one tontine
//   - Contribution: an immutable payment by a member into a caisse for a cycle
//   - Penalty: a derived fine for a late payment or an absence
//   - Draw: one execution of the beneficiary ordering procedure
//   - Cycle: the per-cycle payout state of a tontine
//   - LedgerTransaction: the append-only audit line behind every balance change
//
// # Design Principles
//
// 1. **Integer money**: amounts are int64 minor units of Nkap, never floats
// 2. **Soft lifecycle**: members and contributions are never deleted, only transitioned
// 3. **ID strings over pointers**: relationships are expressed by identifier
// 4. **Stored balances are authoritative**: the transaction log is for audit only
package models
