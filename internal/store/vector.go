package store

import "github.com/pgvector/pgvector-go"

// pgvectorOf adapts a plain float32 slice to the pgvector wire type pgx
// encodes for the `vector` column type.
func pgvectorOf(v []float32) pgvector.Vector {
	return pgvector.NewVector(v)
}
