package router

import (
	"context"

	"github.com/ipfs/go-datastore"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/peerlink/codec"
)

const registeredPrefix = "/peers"

// Registrar makes peer registration idempotent on top of create-only router.
type Registrar struct {
	router Router
	store  datastore.Datastore
}

// NewRegistrar creates registrar.
func NewRegistrar(router Router, store datastore.Datastore) *Registrar {
	return &Registrar{
		router: router,
		store:  store,
	}
}

// Register registers peer for routing only. Peer already registered is a success.
func (r *Registrar) Register(ctx context.Context, id codec.PublicKey, config RoutingConfig) error {
	config.Settlement = nil

	if err := r.router.RegisterPeer(ctx, id, config); err != nil {
		if !errors.Is(err, ErrConflict) {
			return err
		}
		logger.Get(ctx).Debug("Peer already registered", zap.Stringer("peer", id))
	}
	return r.markRegistered(ctx, id)
}

// Update upserts peer configuration.
func (r *Registrar) Update(ctx context.Context, id codec.PublicKey, config RoutingConfig) error {
	registered, err := r.Registered(ctx, id)
	if err != nil {
		return err
	}

	if registered {
		err := r.router.UpdatePeer(ctx, id, config)
		if !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	err = r.router.RegisterPeer(ctx, id, config)
	if errors.Is(err, ErrConflict) {
		err = r.router.UpdatePeer(ctx, id, config)
	}
	if err != nil {
		return err
	}
	return r.markRegistered(ctx, id)
}

// Registered returns true if peer was registered by this node.
func (r *Registrar) Registered(ctx context.Context, id codec.PublicKey) (bool, error) {
	registered, err := r.store.Has(ctx, registeredKey(id))
	return registered, errors.WithStack(err)
}

func (r *Registrar) markRegistered(ctx context.Context, id codec.PublicKey) error {
	return errors.WithStack(r.store.Put(ctx, registeredKey(id), []byte{}))
}

func registeredKey(id codec.PublicKey) datastore.Key {
	return datastore.NewKey(registeredPrefix).ChildString(id.String())
}
