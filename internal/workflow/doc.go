// Package workflow provides the pending-work table shared by every awaited
// workflow (interactions, approvals, questions).
//
// A workflow is registered under a unique id, blocks exactly one waiter, and
// ends on exactly one of: a resolution taken through Take, an explicit
// Cancel, or its timeout. Take is an atomic test-and-delete guarded by a
// caller-supplied validation pipeline; a guard failure leaves the entry in
// place so the legitimate party can still resolve it. Ids that were taken
// stay remembered for a retention window so that late duplicates report
// ErrAlreadyResolved instead of ErrNotFound.
package workflow
