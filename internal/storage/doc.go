// Package storage persists recipients, broadcast job records and their
// frozen target snapshots, plus an operator audit trail.
//
// All drivers keep recipients in insertion order; that order is the
// "natural order" the recipient selector relies on.
package storage
