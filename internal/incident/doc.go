// Package incident provides the business boundary for breachlog's incident
// tracking. It defines the Service (create, lifecycle transitions, dedup,
// report ingestion), the lifecycle transition table, the title similarity
// scorer and Deduplicator, the Store and Ledger persistence interfaces, and
// the domain models.
package incident
