package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/zapdesk/zapdesk/internal/pairing"
)

// maxCodeWait bounds how long a code request may hang before the caller gets
// a pairing timeout.
const maxCodeWait = 30 * time.Second

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenant(w, r)
	if tenantID == "" {
		return
	}

	status, err := s.manager.Connect(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("connect failed", zap.String("tenant", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenant(w, r)
	if tenantID == "" {
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Status(tenantID))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenant(w, r)
	if tenantID == "" {
		return
	}
	if err := s.manager.Disconnect(r.Context(), tenantID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type codeResponse struct {
	Code      string `json:"code"`
	IssuedAt  int64  `json:"issuedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// handleCode blocks until a pairing code is available or the wait times out.
// Pass wait_ms=0 for a non-blocking peek.
func (s *Server) handleCode(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenant(w, r)
	if tenantID == "" {
		return
	}

	wait := maxCodeWait
	if raw := r.URL.Query().Get("wait_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			writeError(w, http.StatusBadRequest, "invalid wait_ms")
			return
		}
		wait = min(time.Duration(ms)*time.Millisecond, maxCodeWait)
	}

	var (
		code pairing.Code
		err  error
	)
	if wait == 0 {
		var ok bool
		code, ok = s.broker.Cached(tenantID)
		if !ok {
			writeError(w, http.StatusNotFound, "no pairing code available")
			return
		}
	} else {
		code, err = s.broker.RequestCode(r.Context(), tenantID, wait)
		if errors.Is(err, pairing.ErrPairingTimeout) {
			writeError(w, http.StatusRequestTimeout, "pairing timed out")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, codeResponse{
		Code:      code.Payload,
		IssuedAt:  code.IssuedAt.UnixMilli(),
		ExpiresAt: code.ExpiresAt.UnixMilli(),
	})
}

// handleQRImage renders the cached pairing code as a PNG for direct embedding
// in an <img> tag.
func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenant(w, r)
	if tenantID == "" {
		return
	}

	code, ok := s.broker.Cached(tenantID)
	if !ok {
		writeError(w, http.StatusNotFound, "no pairing code available")
		return
	}

	png, err := qrcode.Encode(code.Payload, qrcode.Medium, 256)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "qr encoding failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}
