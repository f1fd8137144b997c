// Package pbstore persists the ticketing state in PocketBase collections.
//
// Each record keeps the full entity in a "data" JSON column plus the scalar
// columns needed for lookups and sweeps.
package pbstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"

	"ticket-settlement/internal/store"
)

const (
	CollectionEvents    = "events"
	CollectionIntents   = "payment_intents"
	CollectionTickets   = "tickets"
	CollectionTransfers = "ticket_transfers"
	CollectionCoupons   = "coupons"
	CollectionAudit     = "audit_logs"

	dataField = "data"
)

type Store struct {
	app core.App
}

var _ store.Store = (*Store)(nil)

func New(app core.App) *Store {
	return &Store{app: app}
}

// WithTx runs fn on the app's single write connection, so concurrent
// transactions are serialized.
func (s *Store) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	return s.app.RunInTransaction(func(txApp core.App) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(&Store{app: txApp})
	})
}

func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.app.DB().NewQuery("SELECT 1").WithContext(ctx).Row(&one)
}

func dbTime(t time.Time) string {
	return t.UTC().Format(types.DefaultDateLayout)
}

func (s *Store) insert(collection string, fields map[string]any, doc any) error {
	col, err := s.app.FindCachedCollectionByNameOrId(collection)
	if err != nil {
		return fmt.Errorf("pbstore: collection %s: %w", collection, err)
	}
	rec := core.NewRecord(col)
	for k, v := range fields {
		rec.Set(k, v)
	}
	rec.Set(dataField, doc)
	return s.save(rec)
}

func (s *Store) update(collection, keyField, key string, fields map[string]any, doc any) error {
	rec, err := s.findRecord(collection, keyField, key)
	if err != nil {
		return err
	}
	for k, v := range fields {
		rec.Set(k, v)
	}
	rec.Set(dataField, doc)
	return s.save(rec)
}

func (s *Store) save(rec *core.Record) error {
	if err := s.app.Save(rec); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
		}
		return fmt.Errorf("pbstore: save %s: %w", rec.Collection().Name, err)
	}
	return nil
}

func (s *Store) findRecord(collection, keyField, key string) (*core.Record, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	rec, err := s.app.FindFirstRecordByFilter(collection, keyField+" = {:key}", dbx.Params{"key": key})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("pbstore: find %s: %w", collection, err)
	}
	return rec, nil
}

func (s *Store) findRecords(collection, filter, sort string, limit int, params dbx.Params) ([]*core.Record, error) {
	recs, err := s.app.FindRecordsByFilter(collection, filter, sort, limit, 0, params)
	if err != nil {
		return nil, fmt.Errorf("pbstore: list %s: %w", collection, err)
	}
	return recs, nil
}

func decode[T any](rec *core.Record) (*T, error) {
	var v T
	if err := rec.UnmarshalJSONField(dataField, &v); err != nil {
		return nil, fmt.Errorf("pbstore: decode %s %s: %w", rec.Collection().Name, rec.Id, err)
	}
	return &v, nil
}

func decodeAll[T any](recs []*core.Record) ([]*T, error) {
	out := make([]*T, 0, len(recs))
	for _, rec := range recs {
		v, err := decode[T](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func getOne[T any](s *Store, collection, keyField, key string) (*T, error) {
	rec, err := s.findRecord(collection, keyField, key)
	if err != nil {
		return nil, err
	}
	return decode[T](rec)
}
