// Package vectorindex keeps one vector collection per book and answers
// similarity queries over transcript chunks.
//
// The Adapter embeds chunk text through an Embedder and writes vectors to a
// Store. Two stores are provided: SQLiteStore keeps vectors in an embedded
// database and ranks by brute-force cosine distance, and PGVectorStore uses
// Postgres with the pgvector extension. Both report cosine distance so the
// adapter can convert to similarity uniformly.
package vectorindex
