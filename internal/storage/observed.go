package storage

import (
	"context"
	"time"

	"alarmd/internal/entity"
	"alarmd/internal/eventbus"
)

// EntityDeleted is the payload of eventbus.TypeEntityDeleted.
type EntityDeleted struct {
	ID int64 `json:"id"`
}

// Observed publishes the entity change stream for UI observers: every
// successful save or delete becomes a bus event. Failed writes publish
// nothing.
type Observed struct {
	Store
	bus eventbus.Bus
}

func NewObserved(s Store, bus eventbus.Bus) *Observed {
	return &Observed{Store: s, bus: bus}
}

func (o *Observed) SaveEntity(ctx context.Context, e entity.Entity) error {
	if err := o.Store.SaveEntity(ctx, e); err != nil {
		return err
	}
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventbus.TypeEntitySaved, Time: time.Now(), Data: e.Clone()})
	}
	return nil
}

func (o *Observed) DeleteEntity(ctx context.Context, id int64) error {
	if err := o.Store.DeleteEntity(ctx, id); err != nil {
		return err
	}
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: eventbus.TypeEntityDeleted, Time: time.Now(), Data: EntityDeleted{ID: id}})
	}
	return nil
}
