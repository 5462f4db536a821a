package syncengine

import (
	"context"

	"github.com/MarcoPoloResearchLab/glsync/internal/apisession"
	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"go.uber.org/zap"
)

// LookupSource resolves single records by reference.
type LookupSource interface {
	// AddressableByID is false for singleton types that are fetched without an id.
	AddressableByID(endpoint string) bool
	// Lookupable is false for synthesized types that the provider cannot return.
	Lookupable(endpoint string) bool
	Lookup(ctx context.Context, session apisession.Session, org ledger.Org, ref ledger.MissingItemRef) (Record, bool, error)
}

type resolvedItem struct {
	endpoint string
	itemID   string
	data     []byte
}

func (m *Machine) nextMissingBundle(ctx context.Context, source LookupSource, run *Run, logger *zap.Logger) (bool, Payload, error) {
	bundle, found, err := m.store.NextMissingBundle(ctx, run.Org.ID)
	if err != nil {
		return false, nil, err
	}
	if !found {
		logger.Info("no missing items, nothing to process")
		return true, Payload{}, nil
	}
	logger = logger.With(zap.Uint64("bundle_id", bundle.ID), zap.Int("refs", len(bundle.Items)))

	resolved := make([]resolvedItem, 0, len(bundle.Items))
	for _, ref := range bundle.Items {
		item, ok, err := m.resolveReference(ctx, source, run, ref)
		if err != nil {
			return false, nil, err
		}
		if !ok {
			logger.Warn("could not resolve missing item, deleting bundle",
				zap.String("type", ref.Type),
				zap.String("item_id", ref.ID))
			if err := m.store.DeleteMissingBundle(ctx, bundle.ID); err != nil {
				return false, nil, newEngineError(opMissing, "delete_failed", err)
			}
			return false, Payload{}, nil
		}
		resolved = append(resolved, item)
	}

	items := make([]ledger.Item, 0, len(resolved)*2)
	for _, item := range resolved {
		items = append(items, ledger.NewItemPair(run.Org, item.endpoint, item.itemID, item.data)...)
	}
	if err := m.store.ResolveMissingBundle(ctx, bundle.ID, items); err != nil {
		return false, nil, newEngineError(opMissing, "resolve_failed", err)
	}
	logger.Info("resolved missing item bundle")
	return false, Payload{}, nil
}

func (m *Machine) resolveReference(ctx context.Context, source LookupSource, run *Run, ref ledger.MissingItemRef) (resolvedItem, bool, error) {
	var (
		cached ledger.Item
		found  bool
		err    error
	)
	if source.AddressableByID(ref.Type) {
		cached, found, err = m.store.LatestItem(ctx, run.Org.ID, ref.Type, ref.ID)
	} else {
		cached, found, err = m.store.AnyLatestItem(ctx, run.Org.ID, ref.Type)
	}
	if err != nil {
		return resolvedItem{}, false, err
	}
	if found {
		return resolvedItem{endpoint: ref.Type, itemID: cached.ItemID, data: cached.Data}, true, nil
	}
	if !source.Lookupable(ref.Type) {
		return resolvedItem{}, false, nil
	}

	record, ok, err := source.Lookup(ctx, run.Session, run.Org, ref)
	if err != nil || !ok || record.ID == "" {
		return resolvedItem{}, false, err
	}
	return resolvedItem{endpoint: ref.Type, itemID: record.ID, data: record.Raw}, true, nil
}
