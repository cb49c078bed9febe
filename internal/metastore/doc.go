// Package metastore is the durable record of libraries, files, and chunks.
//
// It is the single source of truth for existence and ingestion/embedding
// state. Vector content lives in the vectorstore package; the two are kept
// consistent by the coordinators, which rely on this package's conditional
// (compare-and-swap) status updates to claim chunks for processing.
package metastore
