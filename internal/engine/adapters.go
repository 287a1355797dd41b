package engine

import (
	"context"

	"github.com/cascadehq/cascade/internal/store"
)

// StoreCredentials exposes the credential table to node handlers.
type StoreCredentials struct {
	Store store.Store
}

func (s StoreCredentials) CredentialData(ctx context.Context, id string) (map[string]any, error) {
	cred, err := s.Store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	return cred.Data, nil
}

// StoreForms exposes form lookups to the form handler.
type StoreForms struct {
	Store store.Store
}

func (s StoreForms) FormFor(ctx context.Context, workflowID, nodeID string) (string, string, error) {
	form, err := s.Store.GetFormByNode(ctx, workflowID, nodeID)
	if err != nil {
		return "", "", err
	}
	return form.ID, form.Title, nil
}
