package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"addrbroker/internal/address"
	"addrbroker/internal/broker"
	"addrbroker/internal/replay"
)

// =============================================================================
// CONTROL HANDLERS
// =============================================================================
//
// One handler per address.Control method, plus the two operations the
// broker layers on top (replay, send-message).
//

// control resolves the {address} parameter, writing the error response
// when it does not exist.
func (s *Server) control(w http.ResponseWriter, r *http.Request) (*broker.AddressControl, bool) {
	c, err := s.broker.Control(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return c, true
}

func (s *Server) pauseAddress(w http.ResponseWriter, r *http.Request) {
	c, ok := s.control(w, r)
	if !ok {
		return
	}
	var opts address.PauseOptions
	if !s.decode(w, r, &opts) {
		return
	}
	if err := c.Pause(opts); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":     c.Name(),
		"pause_state": c.PauseState().String(),
	})
}

func (s *Server) resumeAddress(w http.ResponseWriter, r *http.Request) {
	c, ok := s.control(w, r)
	if !ok {
		return
	}
	if err := c.Resume(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":     c.Name(),
		"pause_state": c.PauseState().String(),
	})
}

func (s *Server) purgeAddress(w http.ResponseWriter, r *http.Request) {
	c, ok := s.control(w, r)
	if !ok {
		return
	}
	n, err := c.Purge()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": c.Name(),
		"purged":  n,
	})
}

func (s *Server) blockAddress(w http.ResponseWriter, r *http.Request) {
	c, ok := s.control(w, r)
	if !ok {
		return
	}
	changed := c.Block()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": c.Name(),
		"blocked": c.IsBlocked(),
		"changed": changed,
	})
}

func (s *Server) unblockAddress(w http.ResponseWriter, r *http.Request) {
	c, ok := s.control(w, r)
	if !ok {
		return
	}
	c.Unblock()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": c.Name(),
		"blocked": c.IsBlocked(),
	})
}

func (s *Server) clearDuplicateCache(w http.ResponseWriter, r *http.Request) {
	c, ok := s.control(w, r)
	if !ok {
		return
	}
	n, err := c.ClearDuplicateIDCache()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": c.Name(),
		"cleared": n,
	})
}

func (s *Server) schedulePageCleanup(w http.ResponseWriter, r *http.Request) {
	c, ok := s.control(w, r)
	if !ok {
		return
	}
	c.SchedulePageCleanup()
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"address":   c.Name(),
		"scheduled": true,
	})
}

func (s *Server) limitPercent(w http.ResponseWriter, r *http.Request) {
	c, ok := s.control(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":       c.Name(),
		"limit_percent": c.AddressLimitPercent(),
	})
}

func (s *Server) resetCounters(w http.ResponseWriter, r *http.Request) {
	c, ok := s.control(w, r)
	if !ok {
		return
	}
	c.ResetMessageCounters()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": c.Name(),
		"reset":   true,
	})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	c, ok := s.control(w, r)
	if !ok {
		return
	}
	var req broker.SendMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := c.SendMessage(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":    c.Name(),
		"message_id": id,
	})
}

// =============================================================================
// REPLAY
// =============================================================================

// ReplayRequest starts a replay. StartScan and EndScan are YYYYMMDDHHMMSS
// in UTC; leaving both empty replays everything retained.
//
// EXAMPLE:
//
//	{"target": "orders.retry", "filter": "color = 'red'",
//	 "start_scan": "20260101000000", "end_scan": "20260102000000"}
type ReplayRequest struct {
	StartScan string `json:"start_scan,omitempty"`
	EndScan   string `json:"end_scan,omitempty"`
	Target    string `json:"target"`
	Filter    string `json:"filter,omitempty"`
}

// replay runs synchronously; the request context cancels it.
func (s *Server) replay(w http.ResponseWriter, r *http.Request) {
	c, ok := s.control(w, r)
	if !ok {
		return
	}
	var req ReplayRequest
	if !s.decode(w, r, &req) {
		return
	}
	spec, err := replay.NewSpec(req.StartScan, req.EndScan, req.Target, req.Filter)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := replay.CompileFilter(spec.Filter); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := c.Replay(r.Context(), spec)
	if err != nil {
		if res.RunID == "" {
			s.writeError(w, err)
			return
		}
		// The run started; report progress with the error.
		s.writeJSON(w, statusFor(err), map[string]interface{}{
			"address": c.Name(),
			"result":  res,
			"error":   err.Error(),
			"kind":    address.KindOf(err).String(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":     c.Name(),
		"republished": res.Republished,
		"result":      res,
	})
}

func (s *Server) replayState(w http.ResponseWriter, r *http.Request) {
	c, ok := s.control(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": c.Name(),
		"state":   s.broker.ReplayState(c.Name()).String(),
	})
}
