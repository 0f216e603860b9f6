package remote

import (
	"context"
	"net/http"
	"net/url"

	"github.com/opensource-finance/folio/internal/domain"
)

// ResourceHandler pushes mutations for one collection to a REST resource.
type ResourceHandler struct {
	client *Client
	path   string
}

// NewResourceHandler creates a handler for the resource at path.
func NewResourceHandler(client *Client, path string) *ResourceHandler {
	return &ResourceHandler{client: client, path: path}
}

// Create posts the record to the resource collection.
func (h *ResourceHandler) Create(ctx context.Context, m domain.Create) error {
	_, err := h.client.Do(ctx, http.MethodPost, h.path, payload(m.Record))
	return err
}

// Update replaces the record at its item URL.
func (h *ResourceHandler) Update(ctx context.Context, m domain.Update) error {
	_, err := h.client.Do(ctx, http.MethodPut, h.itemPath(m.Record.ID), payload(m.Record))
	return err
}

// Delete removes the record. A 404 means it is already gone.
func (h *ResourceHandler) Delete(ctx context.Context, m domain.Delete) error {
	_, err := h.client.Do(ctx, http.MethodDelete, h.itemPath(m.ID), nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (h *ResourceHandler) itemPath(id string) string {
	return h.path + "/" + url.PathEscape(id)
}

// payload strips the local pending marker before the record leaves.
func payload(rec *domain.Record) map[string]any {
	out := rec.Map()
	delete(out, domain.FieldPendingSync)
	return out
}

// Handlers builds one handler per routed collection.
func Handlers(client *Client, routes map[string]string) map[string]domain.SyncHandler {
	out := make(map[string]domain.SyncHandler, len(routes))
	for collection, path := range routes {
		out[collection] = NewResourceHandler(client, path)
	}
	return out
}
