// Package crawl defines the shared types and collaborator interfaces of the
// crawl coordinator: crawl timestamps, batch kinds and queue slots, the status
// record, and the storage abstractions (BatchQueue, RecordStore, Leaser,
// StatusStore) every backend implements. Record naming helpers keep all
// backends on the same layout.
package crawl
