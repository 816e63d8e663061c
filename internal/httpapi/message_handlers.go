package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/zapdesk/zapdesk/internal/session"
	"github.com/zapdesk/zapdesk/internal/store"
)

const defaultPageSize = 50

type sendRequest struct {
	Address     string `json:"address"`
	Body        string `json:"body"`
	ClientMsgID string `json:"clientMsgId"`
}

type sendResponse struct {
	ClientMsgID string `json:"clientMsgId"`
}

// handleSend queues an outgoing message. The outbox sender picks it up; the
// caller tracks delivery through message:status events or by polling.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenant(w, r)
	if tenantID == "" {
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Address == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "address and body are required")
		return
	}
	if st := s.manager.Status(tenantID); !st.Connected {
		writeError(w, http.StatusConflict, session.ErrNotActive.Error())
		return
	}
	if req.ClientMsgID == "" {
		req.ClientMsgID = uuid.NewString()
	}

	if err := s.db.QueueOutbox(tenantID, req.ClientMsgID, req.Address, req.Body); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, sendResponse{ClientMsgID: req.ClientMsgID})
}

type chatsResponse struct {
	Chats []store.Conversation `json:"chats"`
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenant(w, r)
	if tenantID == "" {
		return
	}

	limit, offset, err := pageParams(r, "limit", "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	chats, err := s.db.ListConversations(tenantID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if chats == nil {
		chats = []store.Conversation{}
	}
	writeJSON(w, http.StatusOK, chatsResponse{Chats: chats})
}

type messagesResponse struct {
	Messages []store.Message `json:"messages"`
}

// handleMessages returns one page of a conversation, newest first, keyed by
// the before timestamp cursor.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenant(w, r)
	if tenantID == "" {
		return
	}
	handle := r.PathValue("handle")

	var before int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = v
	}
	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(v, 200)
	}

	msgs, err := s.db.ListMessages(tenantID, handle, before, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}

func pageParams(r *http.Request, limitKey, offsetKey string) (limit, offset int, err error) {
	limit = defaultPageSize
	if raw := r.URL.Query().Get(limitKey); raw != "" {
		v, convErr := strconv.Atoi(raw)
		if convErr != nil || v < 1 {
			return 0, 0, errors.New("invalid " + limitKey)
		}
		limit = min(v, 200)
	}
	if raw := r.URL.Query().Get(offsetKey); raw != "" {
		v, convErr := strconv.Atoi(raw)
		if convErr != nil || v < 0 {
			return 0, 0, errors.New("invalid " + offsetKey)
		}
		offset = v
	}
	return limit, offset, nil
}
