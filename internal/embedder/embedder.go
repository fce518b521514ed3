// Package embedder abstracts the embedding-model inference collaborator
// per §1: SynapseNet scores and stores grains, but producing the vector
// from raw text is an external concern reached through this interface.
package embedder

import "context"

// Embedder turns text into the fixed-dimension vector a Grain carries.
// Implementations may call into a local model, a remote service, or
// (as SharedMemoryEmbedder does) an external process over shared
// memory; callers depend only on this interface.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
