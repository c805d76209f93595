package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alttpr-multiworld/server/internal/event"
	"github.com/alttpr-multiworld/server/internal/gamedata"
	"github.com/alttpr-multiworld/server/internal/router"
	"github.com/alttpr-multiworld/server/internal/sram"
	"github.com/gorilla/websocket"
)

// updateMemoryMessage is the inbound payload for type=update_memory: a raw
// SRAM snapshot for the differ. The frame counter and the catch-up cursor
// are both decoded server-side from the snapshot itself (total_time and
// multiinfo), never trusted from client-supplied fields (SPEC_FULL §4.5
// step 3/5).
type updateMemoryMessage struct {
	Snapshot sram.Snapshot `json:"snapshot"`
}

type chatMessage struct {
	Text string `json:"text"`
}

// itemFrame is the new_items wire shape (SPEC_FULL §6), distinct from the
// generic {type,data} envelope used for every other event type.
type itemFrame struct {
	ID         int64  `json:"id"`
	Timestamp  int64  `json:"timestamp"`
	EventType  string `json:"event_type"`
	FromPlayer int    `json:"from_player"`
	ToPlayer   int    `json:"to_player"`
	ItemID     int    `json:"item_id"`
	Location   int    `json:"location"`
	EventData  string `json:"event_data"`
	EventIdx   []int  `json:"event_idx,omitempty"`
}

func newItemFrame(e *event.Event) itemFrame {
	f := itemFrame{
		ID:         e.ID,
		Timestamp:  e.CreatedAt.Unix(),
		EventType:  string(e.EventType),
		FromPlayer: e.FromPlayer,
		ToPlayer:   e.ToPlayer,
		EventData:  e.EventData,
	}
	if e.ItemID != nil {
		f.ItemID = *e.ItemID
	}
	if e.LocationID != nil {
		f.Location = *e.LocationID
	}
	if e.ToPlayerIdx != nil {
		var idx [2]byte
		binary.BigEndian.PutUint16(idx[:], uint16(*e.ToPlayerIdx))
		f.EventIdx = []int{int(idx[0]), int(idx[1])}
	}
	return f
}

// decodeFrameTime24LE reads the 24-bit little-endian frame counter out of
// the total_time SRAM region (SPEC_FULL §4.5 step 3).
func decodeFrameTime24LE(region []byte) int64 {
	if len(region) < 3 {
		return 0
	}
	return int64(region[2])<<16 | int64(region[1])<<8 | int64(region[0])
}

// decodeMultiinfo reads the 2-byte big-endian catch-up cursor out of the
// multiinfo SRAM region (SPEC_FULL §4.5 step 5). Distinct endianness from
// decodeFrameTime24LE: multiinfo is client-owned and big-endian, total_time
// is little-endian.
func decodeMultiinfo(snapshot sram.Snapshot) int {
	region := snapshot["multiinfo"]
	if len(region) < 2 {
		return 0
	}
	return int(binary.BigEndian.Uint16(region[:2]))
}

// runLoop is the cooperative per-connection loop: it alternates between
// draining the Fan-out subscription into the socket and polling the socket
// for inbound frames with a bounded deadline, until the connection closes
// (SPEC_FULL §4.5).
func (h *Handler) runLoop(ctx context.Context, cs *connState, info *Info) {
	defer h.disconnect(ctx, cs, info)

	placements, err := h.sessions.Placements(ctx, info.ID)
	if err != nil {
		h.logger.Error("session: loading placements failed", "session_id", info.ID, "error", err)
		return
	}

	tables := h.tables[info.GameName]

	pollInterval := h.cfg.PollIntervalDuration()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cs.done:
			return
		case e, ok := <-cs.sub.Events:
			if !ok {
				return
			}
			batch := []*event.Event{e}
		drain:
			for {
				select {
				case e2, ok := <-cs.sub.Events:
					if !ok {
						return
					}
					batch = append(batch, e2)
				default:
					break drain
				}
			}
			if !h.deliverBatch(cs, batch) {
				return
			}
			continue
		default:
		}

		cs.conn.SetReadDeadline(time.Now().Add(pollInterval))
		_, data, err := cs.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("session: connection error", "session_id", info.ID, "player_id", cs.playerID, "error", err)
			}
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				continue
			}
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if !h.handleInbound(ctx, cs, info, tables, placements, msg) {
			return
		}
	}
}

// deliverBatch applies subscriber-side filtering to one drain of Fan-out
// events (SPEC_FULL §4.6: "filtering is performed at the subscriber, not
// the publisher"), coalescing every new_item into a single new_items
// envelope and flushing everything else individually and in order.
func (h *Handler) deliverBatch(cs *connState, batch []*event.Event) bool {
	var items []*event.Event

	for _, e := range batch {
		switch e.EventType {
		case event.TypeNewItem:
			if e.ToPlayer != cs.playerID || e.FromPlayer == e.ToPlayer {
				continue // not our recipient, or a self-find (S1)
			}
			items = append(items, e)

		case event.TypeChat:
			if e.ToPlayer != event.AnyPlayer && e.ToPlayer != cs.playerID {
				continue // I7: private chat not addressed to this connection
			}
			send(cs.conn, eventWireType(e), e)

		case event.TypePlayerKicked:
			send(cs.conn, eventWireType(e), e)
			if cs.role == RolePlayer && e.ToPlayer == cs.playerID {
				h.flushItems(cs, items)
				closeWithReason(cs.conn, CloseKicked, e.EventData)
				return false
			}

		default:
			send(cs.conn, eventWireType(e), e)
		}
	}

	h.flushItems(cs, items)
	return true
}

// flushItems sorts the collected new_item candidates by id, verifies they
// form a contiguous block starting at lastDelivered+1, and falls back to a
// full re-fetch from the Event Store on a gap before sending the coalesced
// new_items envelope (SPEC_FULL §4.5's outbound coalescing paragraph).
func (h *Handler) flushItems(cs *connState, items []*event.Event) {
	if len(items) == 0 {
		return
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	contiguous := *items[0].ToPlayerIdx == cs.lastDelivered+1
	for i := 1; contiguous && i < len(items); i++ {
		if *items[i].ToPlayerIdx != *items[i-1].ToPlayerIdx+1 {
			contiguous = false
		}
	}

	if !contiguous {
		h.logger.Debug("session: delivery gap detected, re-fetching", "session_id", cs.sessionID, "player_id", cs.playerID, "expected", cs.lastDelivered+1)
		refetched, err := h.events.ItemsForPlayerFromOthers(context.Background(), cs.sessionID, cs.playerID, cs.lastDelivered)
		if err != nil {
			h.logger.Error("session: re-fetch after gap failed", "session_id", cs.sessionID, "error", err)
			return
		}
		items = refetched
	}

	h.sendItemFrames(cs, items)
}

// sendItemFrames builds and transmits one new_items envelope, advancing
// lastDelivered even while paused (so a paused connection doesn't later
// mistake its own backlog for a delivery gap).
func (h *Handler) sendItemFrames(cs *connState, items []*event.Event) {
	if len(items) == 0 {
		return
	}

	frames := make([]itemFrame, 0, len(items))
	for _, e := range items {
		frames = append(frames, newItemFrame(e))
		if e.ToPlayerIdx != nil && *e.ToPlayerIdx > cs.lastDelivered {
			cs.lastDelivered = *e.ToPlayerIdx
		}
	}

	if cs.paused.Load() {
		return
	}
	send(cs.conn, "new_items", frames)
}

func eventWireType(e *event.Event) string {
	return string(e.EventType)
}

// handleInbound dispatches one decoded inbound frame by type. Returns false
// if the connection should close.
func (h *Handler) handleInbound(ctx context.Context, cs *connState, info *Info, tables *gamedata.Tables, placements router.PlacementTable, msg InboundMessage) bool {
	switch msg.Type {
	case "ping":
		send(cs.conn, "pong", nil)

	case "pause_receiving":
		cs.paused.Store(true)
		h.events.Append(ctx, &event.Event{SessionID: info.ID, EventType: event.TypePlayerPauseReceive, FromPlayer: cs.playerID, ToPlayer: event.AnyPlayer})

	case "resume_receiving":
		cs.paused.Store(false)
		h.events.Append(ctx, &event.Event{SessionID: info.ID, EventType: event.TypePlayerResumeReceive, FromPlayer: cs.playerID, ToPlayer: event.AnyPlayer})

	case "chat":
		if !info.Flags.Chat {
			return true
		}
		var chat chatMessage
		if err := json.Unmarshal(msg.Data, &chat); err != nil {
			return true
		}
		return h.handleChat(ctx, cs, info, chat.Text)

	case "control":
		var ctrl struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg.Data, &ctrl); err == nil && ctrl.Type == "kick" {
			return h.handleKick(ctx, cs, info, msg.Data)
		}

	case "update_memory":
		var um updateMemoryMessage
		if err := json.Unmarshal(msg.Data, &um); err != nil {
			return true
		}
		h.handleUpdateMemory(ctx, cs, info, tables, placements, um)

	default:
		h.logger.Debug("session: unknown inbound message type", "session_id", info.ID, "type", msg.Type)
	}

	return true
}

// handleChat appends a chat event (after command interception) and relies
// on the Fan-out Bus to echo it back to every subscriber, including the
// sender, so there is a single rendering path (SPEC_FULL §4.5).
func (h *Handler) handleChat(ctx context.Context, cs *connState, info *Info, text string) bool {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(trimmed, "/countdown") {
		return h.handleCountdownCommand(ctx, cs, info, trimmed)
	}
	if trimmed == "/missing" {
		if !info.Flags.MissingCmd {
			return true
		}
		return h.handleMissingCommand(ctx, cs, info)
	}

	_, err := h.events.Append(ctx, &event.Event{
		SessionID: info.ID, EventType: event.TypeChat, FromPlayer: cs.playerID,
		ToPlayer: event.AnyPlayer, EventData: text,
	})
	if err != nil {
		h.logger.Error("session: append chat failed", "session_id", info.ID, "error", err)
	}
	return true
}

func countdownChatData(text string) string {
	b, _ := json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "countdown", Text: text})
	return string(b)
}

// handleCountdownCommand starts a session countdown. SPEC_FULL §4.5 places
// no owner gate on /countdown, unlike /kick and adminSend.
func (h *Handler) handleCountdownCommand(ctx context.Context, cs *connState, info *Info, cmd string) bool {
	secs := info.CountdownSecs
	if secs <= 0 {
		secs = h.cfg.DefaultCountdown
	}
	if secs <= 0 {
		secs = 5
	}

	fields := strings.Fields(cmd)
	if len(fields) > 1 {
		n, err := strconv.Atoi(fields[1])
		if err != nil || n <= 0 {
			send(cs.conn, "chat", map[string]string{"type": "system", "text": "invalid countdown duration"})
			return true
		}
		secs = n
	}

	maxSecs := h.cfg.MaxCountdownSecs
	if maxSecs <= 0 {
		maxSecs = 60
	}
	if secs > maxSecs {
		secs = maxSecs
	}

	go h.runCountdown(info.ID, secs)
	return true
}

// runCountdown emits numbered countdown-subtype chat at 1-second intervals
// then a final "GO!". It runs on the session's own background context, not
// the initiating connection's, so it keeps going if that connection drops
// (SPEC_FULL §5).
func (h *Handler) runCountdown(sessionID, secs int) {
	ctx := context.Background()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for remaining := secs; remaining > 0; remaining-- {
		if _, err := h.events.Append(ctx, &event.Event{
			SessionID: sessionID, EventType: event.TypeChat, FromPlayer: event.SystemPlayer,
			ToPlayer: event.AnyPlayer, EventData: countdownChatData(strconv.Itoa(remaining)),
		}); err != nil {
			h.logger.Error("session: append countdown tick failed", "session_id", sessionID, "error", err)
		}
		<-ticker.C
	}

	if _, err := h.events.Append(ctx, &event.Event{
		SessionID: sessionID, EventType: event.TypeChat, FromPlayer: event.SystemPlayer,
		ToPlayer: event.AnyPlayer, EventData: countdownChatData("GO!"),
	}); err != nil {
		h.logger.Error("session: append countdown finish failed", "session_id", sessionID, "error", err)
	}
}

// handleMissingCommand reports this player's unchecked locations, computed
// as the complement of checkedLocations against the full gamedata location
// index for this session's game.
func (h *Handler) handleMissingCommand(ctx context.Context, cs *connState, info *Info) bool {
	cs.mu.Lock()
	checked := make(map[int]bool, len(cs.checkedLocations))
	tables := h.tables[info.GameName]
	if tables != nil {
		for key := range cs.checkedLocations {
			var id int
			if _, err := fmt.Sscanf(key, "location-%d", &id); err == nil {
				checked[id] = true
			}
		}
	}
	cs.mu.Unlock()

	var missing []string
	if tables != nil {
		for name, id := range tables.LookupNameToID {
			if !checked[id] {
				missing = append(missing, name)
			}
		}
	}

	send(cs.conn, "missing_locations", missing)
	return true
}

// handleKick lets a session owner disconnect another player's connection
// (a control message whose data type is "kick"). Only session owners may
// kick; superuser status is not consulted. The kick is recorded as an event
// and the Fan-out Bus relays it so the target connection's own loop observes
// it and closes itself.
func (h *Handler) handleKick(ctx context.Context, cs *connState, info *Info, data []byte) bool {
	isOwner, _ := h.authSvc.IsSessionOwner(ctx, info.ID, cs.userID)
	if !isOwner {
		return true
	}

	var target struct {
		PlayerID int    `json:"player_id"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal(data, &target); err != nil {
		return true
	}

	// The Fan-out Bus relays this to the target's own connection, whose
	// loop closes itself on deliverBatch() (the kicking connection stays open).
	if _, err := h.events.Append(ctx, &event.Event{
		SessionID: info.ID, EventType: event.TypePlayerKicked, FromPlayer: cs.playerID,
		ToPlayer: target.PlayerID, EventData: target.Reason,
	}); err != nil {
		h.logger.Error("session: append player_kicked failed", "session_id", info.ID, "error", err)
		return true
	}

	go h.scheduleKickLeave(info.ID, target.PlayerID)
	return true
}

// scheduleKickLeave appends a synthetic player_leave for a kicked player if,
// after the grace period, their connection never recorded one itself (S6):
// the kicked socket's own close may race with or be swallowed ahead of its
// read-error path.
func (h *Handler) scheduleKickLeave(sessionID, playerID int) {
	time.Sleep(h.cfg.KickGraceDurationValue())

	ctx := context.Background()
	events, err := h.events.ConnectionEvents(ctx, sessionID, playerID)
	if err != nil {
		h.logger.Error("session: kick-grace connection lookup failed", "session_id", sessionID, "player_id", playerID, "error", err)
		return
	}
	if len(events) == 0 || events[0].EventType != event.TypePlayerJoin {
		return
	}

	if _, err := h.events.Append(ctx, &event.Event{
		SessionID: sessionID, EventType: event.TypePlayerLeave, FromPlayer: playerID, ToPlayer: event.AnyPlayer,
	}); err != nil {
		h.logger.Error("session: append synthetic player_leave failed", "session_id", sessionID, "error", err)
	}
}

// invalidateSaveScum clears the frame_time recorded on this player's prior
// new_item events once a snapshot's decoded frame counter regresses, and
// evicts the corresponding checkedLocations entries so a duping-enabled
// session can re-route those locations (SPEC_FULL §4.5 step 3, I5, S4).
func (h *Handler) invalidateSaveScum(ctx context.Context, cs *connState, info *Info, frameTime int64) {
	events, err := h.events.EventsAfterFrameTime(ctx, info.ID, cs.playerID, frameTime)
	if err != nil {
		h.logger.Error("session: save-scum lookup failed", "session_id", info.ID, "player_id", cs.playerID, "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	ids := make([]int64, 0, len(events))
	cs.mu.Lock()
	for _, e := range events {
		ids = append(ids, e.ID)
		if e.LocationID != nil {
			delete(cs.checkedLocations, fmt.Sprintf("location-%d", *e.LocationID))
		}
	}
	cs.mu.Unlock()

	if err := h.events.UpdateEventsFrameTime(ctx, ids, nil); err != nil {
		h.logger.Error("session: clearing save-scummed frame times failed", "session_id", info.ID, "error", err)
	}
}

// handleUpdateMemory is the SRAM update path (SPEC_FULL §4.5 steps 1-5):
// detect save-scumming, diff against the previous snapshot, decode
// newly-checked locations, route each through the Item Router, keep the new
// snapshot as this connection's previous snapshot, and sweep for any items
// the client's own multiinfo cursor shows it hasn't received yet. Snapshots
// are held in memory on the connection only; the sramstores table is not
// written. The first update after a connection joins is only stored, not
// diffed.
func (h *Handler) handleUpdateMemory(ctx context.Context, cs *connState, info *Info, tables *gamedata.Tables, placements router.PlacementTable, um updateMemoryMessage) {
	if !cs.processingSram.CompareAndSwap(false, true) {
		return // an update from this connection is already in flight
	}
	defer cs.processingSram.Store(false)

	cs.mu.Lock()
	prev := cs.prevSnapshot
	cs.mu.Unlock()

	if prev == nil {
		cs.mu.Lock()
		cs.prevSnapshot = um.Snapshot
		cs.mu.Unlock()
		return
	}

	if tables == nil {
		h.logger.Warn("session: no gamedata tables for game, skipping sram update", "game", info.GameName)
		return
	}

	frameTime := decodeFrameTime24LE(um.Snapshot["total_time"])
	oldFrameTime := decodeFrameTime24LE(prev["total_time"])
	if frameTime < oldFrameTime {
		h.invalidateSaveScum(ctx, cs, info, frameTime)
	}

	diff := sram.Diff(prev, um.Snapshot)
	names := sram.ChangedLocations(h.logger, tables, diff, prev, um.Snapshot)

	// player_forfeit drops the next skipUpdate updates: nothing is routed,
	// the previous snapshot is not advanced and no catch-up sweep runs, so
	// checks made in that window are decoded by the first update after it.
	// Save-scum invalidation above still runs for a dropped update.
	for {
		n := cs.skipUpdate.Load()
		if n <= 0 {
			break
		}
		if cs.skipUpdate.CompareAndSwap(n, n-1) {
			return
		}
	}

	for _, name := range names {
		locationID, ok := tables.LookupNameToID[name]
		if !ok {
			h.logger.Debug("session: checked location has no id mapping", "location", name)
			continue
		}

		key := fmt.Sprintf("location-%d", locationID)
		cs.mu.Lock()
		cachedFrameTime, known := cs.checkedLocations[key]
		cs.mu.Unlock()

		newlyChecked := !known || (info.Flags.Duping && cachedFrameTime != nil && *cachedFrameTime < frameTime)
		if !newlyChecked {
			continue
		}

		routed, err := h.itemRouter.Route(ctx, placements, info.ID, locationID, cs.playerID, frameTime)
		if err != nil {
			h.logger.Error("session: item routing failed", "session_id", info.ID, "location", name, "error", err)
			continue
		}
		if routed == nil {
			continue // no placement entry for this location
		}

		ft := frameTime
		cs.mu.Lock()
		cs.checkedLocations[key] = &ft
		cs.mu.Unlock()
	}

	cs.mu.Lock()
	cs.prevSnapshot = um.Snapshot
	cs.mu.Unlock()

	gtIdx := decodeMultiinfo(um.Snapshot)
	cs.lastDelivered = gtIdx
	catchUp, err := h.events.ItemsForPlayerFromOthers(ctx, info.ID, cs.playerID, gtIdx)
	if err != nil {
		h.logger.Error("session: catch-up fetch failed", "session_id", info.ID, "player_id", cs.playerID, "error", err)
		return
	}
	h.sendItemFrames(cs, catchUp)
}

// disconnect records a player_leave (players only; spectators leave
// silently) and releases the Fan-out subscription.
func (h *Handler) disconnect(ctx context.Context, cs *connState, info *Info) {
	cs.close()

	if cs.sub != nil {
		h.bus.Unsubscribe(cs.sub)
	}
	if h.metrics != nil {
		h.metrics.ConnectionsActive.Dec()
	}

	if cs.role == RolePlayer {
		h.unregisterLive(cs)
		if _, err := h.events.Append(ctx, &event.Event{
			SessionID: info.ID, EventType: event.TypePlayerLeave, FromPlayer: cs.playerID, ToPlayer: event.AnyPlayer,
		}); err != nil {
			h.logger.Error("session: append player_leave failed", "session_id", info.ID, "error", err)
		}
	}
}
