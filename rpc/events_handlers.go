package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/kellymusk/Aframp-backend/core/events"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

type eventsSinceParams struct {
	After int64 `json:"after"`
	Limit int   `json:"limit"`
}

type eventsSinceResult struct {
	Events         []events.StoredEvent `json:"events"`
	LatestSequence int64                `json:"latestSequence"`
}

type eventsLatestResult struct {
	LatestSequence int64 `json:"latestSequence"`
}

func (s *Server) handleEventsSince(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "too many parameters")
		return
	}
	var params eventsSinceParams
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	if params.After < 0 {
		params.After = 0
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultEventsLimit
	} else if limit > maxEventsLimit {
		limit = maxEventsLimit
	}
	evts := s.node.FetchEvents(params.After, limit)
	if evts == nil {
		evts = []events.StoredEvent{}
	}
	writeResult(w, req.ID, eventsSinceResult{
		Events:         evts,
		LatestSequence: s.node.LatestSequence(),
	})
}

func (s *Server) handleEventsLatest(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	writeResult(w, req.ID, eventsLatestResult{LatestSequence: s.node.LatestSequence()})
}
