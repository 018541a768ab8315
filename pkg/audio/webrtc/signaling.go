package webrtc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// negotiateTimeout bounds answering one offer, including ICE gathering.
const negotiateTimeout = 10 * time.Second

// Offer is the body of an offer request.
type Offer struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Answer is the body returned for an accepted offer.
type Answer struct {
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// StartFunc takes ownership of a negotiated transport and returns the ID of
// the session now using it.
type StartFunc func(t *Transport, remote string) (string, error)

// OfferHandler answers POSTed offers. Every accepted offer becomes a
// Transport handed to start; when start fails the transport is closed and
// the client gets 503.
func OfferHandler(cfg Config, start StartFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var offer Offer
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&offer); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if offer.Type != "offer" || offer.SDP == "" {
			http.Error(w, `expected {"type":"offer","sdp":...}`, http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), negotiateTimeout)
		defer cancel()
		t, answer, err := NewFromOffer(ctx, offer.SDP, cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := start(t, r.RemoteAddr)
		if err != nil {
			_ = t.Close()
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Answer{SDP: answer, Type: "answer", SessionID: id})
	})
}
