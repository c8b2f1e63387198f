// Package vector wraps the keyed nearest-neighbor store used for raw-text
// retrieval. chromem-go keeps it embedded and local-first; a networked vector
// backend can replace it behind the same operations.
package vector

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/mnemo-ai/mnemo/pkg/model"
)

// Result is one similarity hit.
type Result struct {
	ID         string
	Content    string
	Similarity float32
}

// Index stores raw behavior text per user and answers nearest-neighbor
// queries. Each user gets an isolated collection.
type Index struct {
	db    *chromem.DB
	embed model.Embedder
	mu    sync.Mutex
}

func New(embed model.Embedder) *Index {
	return &Index{db: chromem.NewDB(), embed: embed}
}

func collectionName(userID string) string {
	return "user_" + userID
}

func (ix *Index) collection(userID string) (*chromem.Collection, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return ix.embed.Embed(ctx, text)
	}
	col, err := ix.db.GetOrCreateCollection(collectionName(userID), nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: open collection: %v", model.ErrUnavailable, err)
	}
	return col, nil
}

// Upsert indexes one piece of raw text under the given id. Re-adding an id
// replaces its previous content.
func (ix *Index) Upsert(ctx context.Context, userID, id, content string) error {
	col, err := ix.collection(userID)
	if err != nil {
		return err
	}
	doc := chromem.Document{ID: id, Content: content}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("%w: index document: %v", model.ErrUnavailable, err)
	}
	return nil
}

// Search returns up to topK texts most similar to the query, best first.
func (ix *Index) Search(ctx context.Context, userID, query string, topK int) ([]Result, error) {
	col, err := ix.collection(userID)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}
	// chromem rejects nResults above the collection size.
	if n := col.Count(); n < topK {
		if n == 0 {
			return nil, nil
		}
		topK = n
	}

	hits, err := col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: vector query: %v", model.ErrUnavailable, err)
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{ID: h.ID, Content: h.Content, Similarity: h.Similarity})
	}
	return out, nil
}

// Clear drops a user's collection entirely.
func (ix *Index) Clear(userID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.db.GetCollection(collectionName(userID), nil) == nil {
		return nil
	}
	if err := ix.db.DeleteCollection(collectionName(userID)); err != nil {
		return fmt.Errorf("%w: drop collection: %v", model.ErrUnavailable, err)
	}
	return nil
}
