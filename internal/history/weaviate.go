package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// WeaviateIndex stores feature vectors in a weaviate class with no vectorizer
type WeaviateIndex struct {
	client    *weaviate.Client
	className string
}

// NewWeaviateIndex connects to a weaviate instance at host ("localhost:8080")
func NewWeaviateIndex(host, scheme, className string) (*WeaviateIndex, error) {
	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	return &WeaviateIndex{client: client, className: className}, nil
}

// EnsureSchema creates the history class if it does not exist
func (w *WeaviateIndex) EnsureSchema(ctx context.Context) error {
	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(w.className).Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:       w.className,
		Description: "Outcomes of past image edits keyed by image features",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: MetaToolName, DataType: []string{"text"}},
			{Name: MetaRecord, DataType: []string{"text"}},
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create class %s: %w", w.className, err)
	}
	return nil
}

// Upsert stores vector with its metadata under id
func (w *WeaviateIndex) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]any) error {
	_, err := w.client.Data().Creator().
		WithClassName(w.className).
		WithID(id).
		WithProperties(metadata).
		WithVector(vector).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return nil
}

// Delete removes the object stored under id
func (w *WeaviateIndex) Delete(ctx context.Context, id string) error {
	err := w.client.Data().Deleter().
		WithClassName(w.className).
		WithID(id).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return nil
}

// Query returns the k nearest objects recorded for toolName
func (w *WeaviateIndex) Query(ctx context.Context, toolName string, vector []float32, k int) ([]IndexHit, error) {
	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	where := filters.Where().
		WithPath([]string{MetaToolName}).
		WithOperator(filters.Equal).
		WithValueText(toolName)

	resp, err := w.client.GraphQL().Get().
		WithClassName(w.className).
		WithFields(
			graphql.Field{Name: MetaToolName},
			graphql.Field{Name: MetaRecord},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}}},
		).
		WithNearVector(nearVector).
		WithWhere(where).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("weaviate query failed: %s", strings.Join(msgs, "; "))
	}
	return parseHits(resp.Data, w.className)
}

// Ready reports whether the weaviate instance accepts requests
func (w *WeaviateIndex) Ready(ctx context.Context) (bool, error) {
	return w.client.Misc().ReadyChecker().Do(ctx)
}

// parseHits extracts hits from a GraphQL Get response body
func parseHits(data map[string]models.JSONObject, className string) ([]IndexHit, error) {
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("weaviate response has no Get block")
	}
	objects, ok := get[className].([]any)
	if !ok {
		if get[className] == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("weaviate response has unexpected %s block", className)
	}

	hits := make([]IndexHit, 0, len(objects))
	for _, o := range objects {
		obj, ok := o.(map[string]any)
		if !ok {
			continue
		}
		hit := IndexHit{Metadata: make(map[string]any, 2)}
		for _, key := range []string{MetaToolName, MetaRecord} {
			if v, ok := obj[key]; ok {
				hit.Metadata[key] = v
			}
		}
		if add, ok := obj["_additional"].(map[string]any); ok {
			hit.ID, _ = add["id"].(string)
			if d, ok := add["distance"].(float64); ok {
				hit.Distance = d
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
