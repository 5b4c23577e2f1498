package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/cuemby/cyberrange/pkg/types"
)

const (
	heartbeatInterval = 15 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

func parseEventFilter(r *http.Request) (types.EventFilter, error) {
	q := r.URL.Query()
	filter := types.EventFilter{
		Type: types.EventType(q.Get("type")),
		VMID: q.Get("vm_id"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return filter, badRequest("since must be an RFC 3339 timestamp")
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, badRequest("limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	return filter, nil
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	rangeID := chi.URLParam(r, "rangeID")
	filter, err := parseEventFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.store.GetRange(rangeID); err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.events.History(rangeID, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*types.EventLogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// sink is one live event consumer
type sink interface {
	send(entry *types.EventLogEntry) error
	heartbeat() error
}

// pump replays the log after filter.Since, then forwards live events until
// ctx ends or the subscription closes. The subscription is opened before the
// replay so nothing published in between is lost; entries already replayed
// are skipped by ID.
func (s *Server) pump(ctx context.Context, rangeID string, filter types.EventFilter, out sink) error {
	sub := s.events.Subscribe(rangeID)
	defer s.events.Unsubscribe(sub)

	replay := filter
	replay.Limit = 0
	history, err := s.events.History(rangeID, replay)
	if err != nil {
		return err
	}
	var lastID uint64
	for _, e := range history {
		if err := out.send(e); err != nil {
			return err
		}
		lastID = e.ID
	}

	live := filter
	live.Since = time.Time{}
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C():
			if !ok {
				return nil
			}
			if e.ID != 0 && e.ID <= lastID {
				continue
			}
			if !live.Matches(e) {
				continue
			}
			if err := out.send(e); err != nil {
				return err
			}
		case <-ticker.C:
			if err := out.heartbeat(); err != nil {
				return err
			}
		}
	}
}

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (c *sseSink) send(e *types.EventLogEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if e.ID != 0 {
		if _, err := fmt.Fprintf(c.w, "id: %d\n", e.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", e.Type, payload); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseSink) heartbeat() error {
	if _, err := fmt.Fprint(c.w, ": ping\n\n"); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// streamEvents serves a range's events as Server-Sent Events
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	rangeID := chi.URLParam(r, "rangeID")
	filter, err := parseEventFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.store.GetRange(rangeID); err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := s.pump(r.Context(), rangeID, filter, &sseSink{w: w, flusher: flusher}); err != nil {
		s.logger.Debug().Err(err).Str("range_id", rangeID).Msg("Event stream ended")
	}
}

type wsSink struct {
	conn *websocket.Conn
}

func (c *wsSink) send(e *types.EventLogEntry) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(e)
}

func (c *wsSink) heartbeat() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// watchEvents serves a range's events over a websocket
func (s *Server) watchEvents(w http.ResponseWriter, r *http.Request) {
	rangeID := chi.URLParam(r, "rangeID")
	filter, err := parseEventFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.store.GetRange(rangeID); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.pump(ctx, rangeID, filter, &wsSink{conn: conn}); err != nil {
		s.logger.Debug().Err(err).Str("range_id", rangeID).Msg("Event watch ended")
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteTimeout))
}
