package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/strikeline/trade-engine/internal/model"
	"github.com/strikeline/trade-engine/internal/strike"
	"github.com/strikeline/trade-engine/internal/ticket"
)

// TableSource provides the latest published strike table.
type TableSource interface {
	Latest() *strike.TableSnapshot
}

// RiskSource provides the supervisor's latest risk snapshots.
type RiskSource interface {
	Snapshots() map[string]model.RiskSnapshot
	SnapshotFor(ticketID string) (model.RiskSnapshot, bool)
}

// Server holds the HTTP handlers.
type Server struct {
	coord  *ticket.Coordinator
	tables TableSource
	risk   RiskSource
	hub    *Hub
}

// NewServer creates the handler set. hub may be nil when WebSocket push is
// not wired.
func NewServer(coord *ticket.Coordinator, tables TableSource, risk RiskSource, hub *Hub) *Server {
	return &Server{coord: coord, tables: tables, risk: risk, hub: hub}
}

// Routes mounts all API routes on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/strikes", s.GetStrikes)
	r.Get("/tickets", s.ListTickets)
	r.Post("/tickets", s.OpenTicket)
	r.Get("/tickets/{ticketID}", s.GetTicket)
	r.Post("/tickets/{ticketID}/close", s.CloseTicket)
	r.Post("/tickets/{ticketID}/cancel", s.CancelTicket)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// TicketView is a ticket with the supervisor's latest risk snapshot
// attached, when one exists.
type TicketView struct {
	model.TradeTicket
	Risk *model.RiskSnapshot `json:"risk,omitempty"`
}

// OpenTicketRequest is the JSON body for POST /api/v1/tickets.
type OpenTicketRequest struct {
	// TicketID is optional; supplying one makes the open idempotent
	// across retries.
	TicketID string `json:"ticket_id,omitempty"`

	Symbol             string          `json:"symbol"`
	StrikePrice        decimal.Decimal `json:"strike_price"`
	Side               model.Side      `json:"side"`
	MarketTicker       string          `json:"market_ticker"`
	PositionSize       int64           `json:"position_size"`
	LimitPrice         decimal.Decimal `json:"limit_price"`
	Settlement         time.Time       `json:"settlement"`
	ProbabilityAtEntry float64         `json:"probability_at_entry"`
	MomentumAtEntry    float64         `json:"momentum_at_entry"`
}

// CloseTicketRequest is the JSON body for POST /api/v1/tickets/{id}/close.
// A zero or absent limit price closes at market.
type CloseTicketRequest struct {
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// GetStrikes handles GET /api/v1/strikes.
func (s *Server) GetStrikes(w http.ResponseWriter, r *http.Request) {
	snap := s.tables.Latest()
	if snap == nil {
		writeError(w, "strike table not built yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListTickets handles GET /api/v1/tickets. Without a filter it returns the
// live (non-terminal) tickets; ?status= selects one status and ?all=true
// returns everything including terminal history.
func (s *Server) ListTickets(w http.ResponseWriter, r *http.Request) {
	statuses := []model.Status{model.StatusPending, model.StatusOpen, model.StatusClosing}
	if v := r.URL.Query().Get("status"); v != "" {
		statuses = []model.Status{model.Status(v)}
	} else if r.URL.Query().Get("all") == "true" {
		statuses = nil
	}

	tickets := s.coord.List(statuses...)
	views := make([]TicketView, 0, len(tickets))
	for i := range tickets {
		views = append(views, s.view(tickets[i]))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetTicket handles GET /api/v1/tickets/{ticketID}.
func (s *Server) GetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.coord.Get(chi.URLParam(r, "ticketID"))
	if err != nil {
		writeTicketError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(*t))
}

// OpenTicket handles POST /api/v1/tickets.
func (s *Server) OpenTicket(w http.ResponseWriter, r *http.Request) {
	var req OpenTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	t, err := s.coord.OpenTrade(r.Context(), ticket.OpenIntent{
		TicketID:           req.TicketID,
		Symbol:             req.Symbol,
		StrikePrice:        req.StrikePrice,
		Side:               req.Side,
		MarketTicker:       req.MarketTicker,
		PositionSize:       req.PositionSize,
		LimitPrice:         req.LimitPrice,
		Settlement:         req.Settlement,
		ProbabilityAtEntry: req.ProbabilityAtEntry,
		MomentumAtEntry:    req.MomentumAtEntry,
	})
	if err != nil {
		// An execution failure still produced a ticket worth reporting.
		if t != nil {
			s.notify(t)
		}
		writeTicketError(w, err)
		return
	}

	s.notify(t)
	writeJSON(w, http.StatusCreated, s.view(*t))
}

// CloseTicket handles POST /api/v1/tickets/{ticketID}/close.
func (s *Server) CloseTicket(w http.ResponseWriter, r *http.Request) {
	var req CloseTicketRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	t, err := s.coord.CloseTrade(r.Context(), chi.URLParam(r, "ticketID"), req.LimitPrice)
	if err != nil {
		if t != nil {
			s.notify(t)
		}
		writeTicketError(w, err)
		return
	}

	s.notify(t)
	writeJSON(w, http.StatusOK, s.view(*t))
}

// CancelTicket handles POST /api/v1/tickets/{ticketID}/cancel.
func (s *Server) CancelTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.coord.CancelTrade(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		writeTicketError(w, err)
		return
	}

	s.notify(t)
	writeJSON(w, http.StatusOK, s.view(*t))
}

func (s *Server) view(t model.TradeTicket) TicketView {
	v := TicketView{TradeTicket: t}
	if s.risk != nil {
		if snap, ok := s.risk.SnapshotFor(t.TicketID); ok {
			v.Risk = &snap
		}
	}
	return v
}

func (s *Server) notify(t *model.TradeTicket) {
	if s.hub != nil {
		s.hub.BroadcastTicket(t)
	}
}

// writeTicketError maps coordinator errors onto HTTP statuses.
func writeTicketError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ticket.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, ticket.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ticket.ErrInvalidState),
		errors.Is(err, ticket.ErrPerStrikeLimitExceeded),
		errors.Is(err, ticket.ErrSymbolLimitExceeded):
		status = http.StatusConflict
	case errors.Is(err, ticket.ErrExecutionBusy):
		status = http.StatusTooManyRequests
	case errors.Is(err, ticket.ErrExternalExecution):
		status = http.StatusBadGateway
	default:
		slog.Error("unexpected handler error", "err", err)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
