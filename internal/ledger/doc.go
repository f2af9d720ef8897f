// Package ledger abstracts the external custodial ledger used for stablecoin
// settlement. Implementations cover the Bridge-style HTTP provider, an EVM
// backed driver, and a deterministic in-memory ledger for tests. Every
// mutating call carries a caller-supplied idempotency key so the provider can
// deduplicate retried requests at its own boundary.
package ledger
