// Package results keeps completed outcomes until a poll-based caller takes them.
//
// A Cache maps correlation IDs to contracts.Outcome values. It holds at most
// Capacity entries; inserting past that evicts the oldest-inserted entry. Take
// removes the entry it returns, so every outcome is read at most once. A miss
// means "not ready yet, already taken, or evicted" and is never an error.
package results
