// Package store provides the persistent repository for agents, tasks,
// conflicts and messages, backed by GORM. Compound mutations that must be
// atomic (assignment binding, completion accounting) run inside pool-managed
// transactions with retry on transient failures.
package store
