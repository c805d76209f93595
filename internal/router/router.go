// Package router implements the Item Router (SPEC_FULL §4.4): resolving a
// newly-checked location to its placed item and recipient, and allocating
// the strictly-increasing toPlayerIdx a foreign recipient's deliveries are
// ordered by (I1).
package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alttpr-multiworld/server/internal/event"
	"github.com/alttpr-multiworld/server/pkg/metrics"
)

// Placement is one (locationId, finderPlayer) -> (itemId, recipientPlayer)
// entry in a session's placement table, uploaded with the multidata.
type Placement struct {
	ItemID    int
	Recipient int
}

// PlacementTable resolves (locationID, finder) -> Placement for one session.
// Built once from the uploaded multidata's "locations" array.
type PlacementTable map[placementKey]Placement

type placementKey struct {
	LocationID int
	Finder     int
}

// NewPlacementTable builds a table from parsed multidata location entries.
func NewPlacementTable(entries []PlacementEntry) PlacementTable {
	t := make(PlacementTable, len(entries))
	for _, e := range entries {
		t[placementKey{LocationID: e.LocationID, Finder: e.Finder}] = Placement{ItemID: e.ItemID, Recipient: e.Recipient}
	}
	return t
}

// PlacementEntry mirrors one multidata "locations" tuple:
// [[locationId, finderPlayer], [itemId, recipientPlayer]].
type PlacementEntry struct {
	LocationID int
	Finder     int
	ItemID     int
	Recipient  int
}

func (t PlacementTable) lookup(locationID, finder int) (Placement, bool) {
	p, ok := t[placementKey{LocationID: locationID, Finder: finder}]
	return p, ok
}

// maxAllocationRetries bounds the toPlayerIdx retry loop before falling
// back to an unbounded retry, per SPEC_FULL §4.4 step 4 ("bounded by a
// small retry budget per event, unbounded as a last resort").
const maxAllocationRetries = 8

// Router is the Item Router.
type Router struct {
	store   event.Store
	logger  *slog.Logger
	metrics *metrics.MultiworldMetrics
}

// New creates an Item Router.
func New(store event.Store, logger *slog.Logger, m *metrics.MultiworldMetrics) *Router {
	return &Router{store: store, logger: logger, metrics: m}
}

// Route resolves locationID checked by finder in session sessionID at
// frameTime F and appends the resulting new_item event. If the location has
// no placement entry (seed mismatch or unmapped region entry) it is logged
// and dropped, returning (nil, nil). Grounded on SPEC_FULL §4.4 steps 1-4.
func (r *Router) Route(ctx context.Context, placements PlacementTable, sessionID, locationID, finder int, frameTime int64) (*event.Event, error) {
	placement, ok := placements.lookup(locationID, finder)
	if !ok {
		r.logger.Warn("router: no placement for location, dropping", "session_id", sessionID, "location_id", locationID, "finder", finder)
		return nil, nil
	}

	return r.appendWithRetry(ctx, sessionID, finder, placement.Recipient, placement.ItemID, locationID, frameTime)
}

// AdminSend performs the same allocation path directly for an
// owner-gated POST /session/{id}/adminSend grant, bypassing the
// location check, with fromPlayer set to the system sentinel (SPEC_FULL
// §4.4's Administrative send).
func (r *Router) AdminSend(ctx context.Context, sessionID, recipient, itemID, locationID int) (*event.Event, error) {
	return r.appendWithRetry(ctx, sessionID, event.SystemPlayer, recipient, itemID, locationID, 0)
}

func (r *Router) appendWithRetry(ctx context.Context, sessionID, finder, recipient, itemID, locationID int, frameTime int64) (*event.Event, error) {
	var idxPtr *int
	if recipient != finder {
		maxIdx, err := r.store.MaxToPlayerIdx(ctx, sessionID, recipient, recipient)
		if err != nil {
			return nil, fmt.Errorf("router: resolving next index: %w", err)
		}
		idx := maxIdx + 1
		idxPtr = &idx
	}

	e := &event.Event{
		SessionID:   sessionID,
		EventType:   event.TypeNewItem,
		FromPlayer:  finder,
		ToPlayer:    recipient,
		ToPlayerIdx: idxPtr,
		ItemID:      &itemID,
		LocationID:  &locationID,
	}
	if frameTime != 0 {
		e.FrameTime = &frameTime
	}

	for attempt := 0; ; attempt++ {
		_, err := r.store.Append(ctx, e)
		if err == nil {
			return e, nil
		}
		if err != event.ErrDuplicateIndex {
			return nil, fmt.Errorf("router: append: %w", err)
		}
		if idxPtr == nil {
			// Self-sent items never allocate an index; a collision here
			// would indicate a different bug, not an index race.
			return nil, fmt.Errorf("router: unexpected duplicate-index error for self-sent item")
		}

		if r.metrics != nil {
			r.metrics.ItemRouterRetries.Inc()
		}
		if attempt >= maxAllocationRetries {
			r.logger.Warn("router: toPlayerIdx allocation exceeded retry budget, retrying unbounded",
				"session_id", sessionID, "to_player", recipient, "attempt", attempt)
		}

		next := *idxPtr + 1
		idxPtr = &next
		e.ToPlayerIdx = idxPtr
	}
}
