package repository

import (
	"context"
	"fmt"
	"gear-queue/internal/models"
)

// ContainerStore persists containers of a single kind
type ContainerStore interface {
	Kind() models.ContainerKind
	GetContainer(ctx context.Context, id string) (*models.Container, error)
	PutContainer(ctx context.Context, c *models.Container) error
}

// Registry selects the container store for a kind
type Registry struct {
	stores map[models.ContainerKind]ContainerStore
}

// NewRegistry builds a registry from one store per kind
func NewRegistry(stores ...ContainerStore) *Registry {
	r := &Registry{stores: make(map[models.ContainerKind]ContainerStore, len(stores))}
	for _, s := range stores {
		r.stores[s.Kind()] = s
	}
	return r
}

// Store returns the store registered for kind
func (r *Registry) Store(kind models.ContainerKind) (ContainerStore, error) {
	s, ok := r.stores[kind]
	if !ok {
		return nil, fmt.Errorf("no container store for kind %q", kind)
	}
	return s, nil
}

// GetContainer loads a container by reference
func (r *Registry) GetContainer(ctx context.Context, kind models.ContainerKind, id string) (*models.Container, error) {
	s, err := r.Store(kind)
	if err != nil {
		return nil, err
	}
	return s.GetContainer(ctx, id)
}

// PutContainer inserts or replaces a container
func (r *Registry) PutContainer(ctx context.Context, c *models.Container) error {
	s, err := r.Store(c.Kind)
	if err != nil {
		return err
	}
	return s.PutContainer(ctx, c)
}
