// Package models defines the core domain models for splitpay.
//
// # Ownership
//
// Two systems of record are involved in every payment and neither implies the
// other:
//   - The debt store owns PaidToDate on a DebtRecord.
//   - The ledger owns whether currency actually moved for a Signature.
//
// Attempts and Reconciliations are the bookkeeping that ties the two together.
//
// # Identities
//
// Creditors and debtors are identified by email, the way contacts are keyed.
// Ledger parties are identified by base58 account references. The two are
// never mixed: a DebtKey never holds an account and a Transfer never holds an
// email.
package models
