// Package allocator assigns finite inventory to an ordered set of bundles.
// It computes how many complete replications of every bundle the inventory
// supports, lets each bundle draw its units from a shared sorted pool in set
// order, and reports what was allocated and what is left.
package allocator
