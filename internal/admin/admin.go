// Package admin serves the operator endpoints: the ended-auction log,
// auction timelines rebuilt from the event ledger and giveaway handoffs
// awaiting a deal.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jensholdgaard/discord-market-bot/internal/auction"
	"github.com/jensholdgaard/discord-market-bot/internal/giveaway"
	"github.com/jensholdgaard/discord-market-bot/internal/listing"
	"github.com/jensholdgaard/discord-market-bot/internal/store"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Auctions rebuilds auction history.
type Auctions interface {
	Timeline(ctx context.Context, id string) (*auction.Timeline, error)
}

// Giveaways exposes giveaways whose winner has no deal yet.
type Giveaways interface {
	Unsettled(ctx context.Context) ([]string, error)
	Retry(ctx context.Context, id string) (*listing.Deal, error)
}

// Handler serves the operator endpoints.
type Handler struct {
	outcomes  store.OutcomeRepository
	auctions  Auctions
	giveaways Giveaways
	logger    *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(outcomes store.OutcomeRepository, auctions Auctions, giveaways Giveaways, logger *slog.Logger) *Handler {
	return &Handler{outcomes: outcomes, auctions: auctions, giveaways: giveaways, logger: logger}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /auctions/recent", h.recent)
	mux.HandleFunc("GET /auctions/{id}/timeline", h.timeline)
	mux.HandleFunc("GET /giveaways/unsettled", h.unsettled)
	mux.HandleFunc("POST /giveaways/{id}/retry", h.retry)
}

// Outcome is one entry of the ended-auction log.
type Outcome struct {
	AuctionID  string    `json:"auction_id"`
	ItemName   string    `json:"item_name"`
	Seller     string    `json:"seller"`
	FinalBid   int64     `json:"final_bid"`
	Winner     string    `json:"winner,omitempty"`
	Result     string    `json:"result"`
	IsTest     bool      `json:"is_test,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Bid is one accepted bid of a timeline.
type Bid struct {
	Bidder   string    `json:"bidder"`
	Amount   int64     `json:"amount"`
	At       time.Time `json:"at"`
	Replayed bool      `json:"replayed,omitempty"`
}

// Timeline is an auction's history.
type Timeline struct {
	ID          string `json:"id"`
	ItemName    string `json:"item_name"`
	Seller      string `json:"seller"`
	StartingBid int64  `json:"starting_bid"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
	Bids        []Bid  `json:"bids"`
}

// Deal is the response to a handoff retry.
type Deal struct {
	ID         string `json:"id"`
	Container  string `json:"container"`
	Seller     string `json:"seller"`
	Buyer      string `json:"buyer"`
	ItemName   string `json:"item_name"`
	ListingRef string `json:"listing_ref"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handler) recent(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLimit)
	}

	outcomes, err := h.outcomes.ListRecent(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "listing outcomes", err)
		return
	}
	out := make([]Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, Outcome{
			AuctionID:  o.AuctionID,
			ItemName:   o.ItemName,
			Seller:     o.Seller,
			FinalBid:   o.FinalBid,
			Winner:     o.Winner,
			Result:     string(o.Result),
			IsTest:     o.IsTest,
			RecordedAt: o.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	t, err := h.auctions.Timeline(r.Context(), r.PathValue("id"))
	if errors.Is(err, auction.ErrNoHistory) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	if err != nil {
		h.fail(w, r, "loading timeline", err)
		return
	}

	out := Timeline{
		ID:          t.ID,
		ItemName:    t.ItemName,
		Seller:      t.Seller,
		StartingBid: t.StartingBid,
		Status:      string(t.Status),
		Result:      string(t.Result),
		Bids:        make([]Bid, 0, len(t.Bids)),
	}
	for _, b := range t.Bids {
		out.Bids = append(out.Bids, Bid(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) unsettled(w http.ResponseWriter, r *http.Request) {
	ids, err := h.giveaways.Unsettled(r.Context())
	if err != nil {
		h.fail(w, r, "listing unsettled giveaways", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := h.giveaways.Retry(r.Context(), id)
	switch {
	case errors.Is(err, giveaway.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	case errors.Is(err, giveaway.ErrHandoff):
		h.logger.WarnContext(r.Context(), "operator handoff retry failed",
			slog.String("giveaway_id", id),
			slog.Any("error", err),
		)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
		return
	case err != nil:
		h.fail(w, r, "retrying handoff", err)
		return
	}
	writeJSON(w, http.StatusOK, Deal{
		ID:         d.ID,
		Container:  d.Container,
		Seller:     d.Seller,
		Buyer:      d.Buyer,
		ItemName:   d.ItemName,
		ListingRef: d.ListingRef,
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.ErrorContext(r.Context(), msg, slog.Any("error", err))
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
