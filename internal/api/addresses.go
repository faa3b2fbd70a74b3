package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"addrbroker/internal/address"
	"addrbroker/internal/broker"
)

// =============================================================================
// ADDRESS HANDLERS
// =============================================================================

func (s *Server) createAddress(w http.ResponseWriter, r *http.Request) {
	var req broker.AddressConfig
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.errorResponse(w, http.StatusBadRequest, "address name is required")
		return
	}
	for _, rt := range req.RoutingTypes {
		if rt != address.Multicast && rt != address.Anycast {
			s.errorResponse(w, http.StatusBadRequest, "unknown routing type "+string(rt))
			return
		}
	}

	addr, err := s.broker.CreateAddress(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, addr.Info())
}

func (s *Server) listAddresses(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("verbose") == "true" {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"addresses": s.broker.AddressInfos(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"addresses": s.broker.ListAddresses(),
	})
}

func (s *Server) getAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := s.broker.GetAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, addr.Info())
}

func (s *Server) deleteAddress(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "address")
	force := r.URL.Query().Get("force") == "true"
	if err := s.broker.DeleteAddress(name, force); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": true,
		"address": name,
	})
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	addr, err := s.broker.GetAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, addr.Settings())
}

// =============================================================================
// MESSAGE HANDLERS
// =============================================================================

// PublishRequest is the request body for publishing messages.
//
// EXAMPLE:
//
//	{
//	  "messages": [
//	    {"id": "o-1", "duplicate_id": "order-1", "body": "{...}",
//	     "properties": {"color": "red"}, "durable": true}
//	  ]
//	}
type PublishRequest struct {
	Messages []PublishMessage `json:"messages"`
}

// PublishMessage is a single message. Body is taken verbatim.
type PublishMessage struct {
	ID          string            `json:"id,omitempty"`
	DuplicateID string            `json:"duplicate_id,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Body        string            `json:"body"`
	Durable     bool              `json:"durable,omitempty"`
}

// PublishResult is the result of publishing a single message.
type PublishResult struct {
	address.PublishResult
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) publishMessages(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "address")

	var req PublishRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "at least one message required")
		return
	}

	results := make([]PublishResult, len(req.Messages))
	for i, m := range req.Messages {
		msg := &address.Message{
			ID:         m.ID,
			Properties: m.Properties,
			Body:       []byte(m.Body),
			Durable:    m.Durable,
		}
		if m.DuplicateID != "" {
			msg.DuplicateID = []byte(m.DuplicateID)
		}

		res, err := s.broker.Publish(r.Context(), name, msg)
		if err != nil {
			// A missing address fails the whole request rather than each
			// message.
			if i == 0 && statusFor(err) == http.StatusNotFound {
				s.writeError(w, err)
				return
			}
			results[i].Error = err.Error()
			if kind := address.KindOf(err); kind != address.KindUnknown {
				results[i].Kind = kind.String()
			}
			continue
		}
		results[i].PublishResult = res
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
	})
}

// BindRequest is the request body for binding a queue.
type BindRequest struct {
	Queue  string `json:"queue"`
	Remote bool   `json:"remote,omitempty"`
}

func (s *Server) bindQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "address")

	var req BindRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Queue) == "" {
		s.errorResponse(w, http.StatusBadRequest, "queue is required")
		return
	}
	if err := s.broker.Bind(name, req.Queue, req.Remote); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"address": name,
		"queue":   req.Queue,
		"remote":  req.Remote,
	})
}

func (s *Server) unbindQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "address")
	queue := chi.URLParam(r, "queue")
	if err := s.broker.Unbind(name, queue); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": name,
		"queue":   queue,
		"unbound": true,
	})
}

// ConsumeResponse is the response for consume requests. Bodies are base64
// in JSON.
type ConsumeResponse struct {
	Deliveries []address.Delivery `json:"deliveries"`
}

func (s *Server) consumeMessages(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "address")
	queue := chi.URLParam(r, "queue")

	limit := 100
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid max")
			return
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}

	deliveries, err := s.broker.Consume(name, queue, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []address.Delivery{}
	}
	s.writeJSON(w, http.StatusOK, ConsumeResponse{Deliveries: deliveries})
}

// AckRequest acknowledges deliveries by tag.
type AckRequest struct {
	Tags []uint64 `json:"tags"`
}

func (s *Server) ackMessages(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "address")
	queue := chi.URLParam(r, "queue")

	var req AckRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Tags) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "at least one tag required")
		return
	}

	acked := 0
	for _, tag := range req.Tags {
		if err := s.broker.Ack(name, queue, tag); err != nil {
			if acked == 0 {
				s.writeError(w, err)
				return
			}
			s.writeJSON(w, http.StatusOK, map[string]interface{}{
				"acked": acked,
				"error": err.Error(),
			})
			return
		}
		acked++
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"acked": acked})
}
