// Package chunker groups timed transcript segments into bounded passages for
// embedding.
//
// Chunk is a pure function: segments are accumulated greedily until adding the
// next one would push the passage past the duration or line bound, short
// passages are merged forward into their successor, and a single segment is
// never split. Each chunk keeps the union time range of its segments so search
// hits can seek the player.
package chunker
