package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"lpwatch/internal/position"
	"lpwatch/internal/registry"
	"lpwatch/pkg/dex/uniswapv2"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// ViewSource exposes the tracker state served by the API.
type ViewSource interface {
	View() position.View
	Account() *common.Address
	TrackedPairs() []uniswapv2.Pair
}

// Portfolio applies account and pair changes.
type Portfolio interface {
	SetAccount(ctx context.Context, account *common.Address) error
	AddPair(ctx context.Context, pair uniswapv2.TokenPair) error
	RemovePair(ctx context.Context, pair uniswapv2.TokenPair) error
}

// Server is the HTTP API for positions, account selection and the view
// stream.
type Server struct {
	views     ViewSource
	portfolio Portfolio
	hub       *Hub

	server *http.Server
}

// NewServer creates an API server.
func NewServer(views ViewSource, portfolio Portfolio, hub *Hub) *Server {
	return &Server{
		views:     views,
		portfolio: portfolio,
		hub:       hub,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /positions", s.handlePositions)
	mux.HandleFunc("GET /account", s.handleAccountGet)
	mux.HandleFunc("PUT /account", s.handleAccountPut)
	mux.HandleFunc("GET /pairs", s.handlePairsList)
	mux.HandleFunc("POST /pairs", s.handlePairsAdd)
	mux.HandleFunc("DELETE /pairs", s.handlePairsRemove)
	mux.HandleFunc("GET /ws", s.handleStream)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// Start serves the API on port in the background.
func (s *Server) Start(port int) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", port).Msg("Starting API server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type accountRequest struct {
	Account string `json:"account"`
}

type accountResponse struct {
	Account    string `json:"account,omitempty"`
	Connected  bool   `json:"connected"`
	Generation uint64 `json:"generation"`
}

type pairRequest struct {
	TokenA string `json:"token_a"`
	TokenB string `json:"token_b"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newViewResponse(s.views.View()))
}

func (s *Server) handleAccountGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.accountResponse())
}

func (s *Server) handleAccountPut(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}

	var account *common.Address
	if raw := strings.TrimSpace(req.Account); raw != "" {
		if !common.IsHexAddress(raw) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid account address %q", raw))
			return
		}
		addr := common.HexToAddress(raw)
		account = &addr
	}

	if err := s.portfolio.SetAccount(r.Context(), account); err != nil {
		log.Error().Err(err).Msg("Failed to switch account")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, s.accountResponse())
}

func (s *Server) handlePairsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newPairResponses(s.views.TrackedPairs()))
}

func (s *Server) handlePairsAdd(w http.ResponseWriter, r *http.Request) {
	s.changePair(w, r, "add", s.portfolio.AddPair, http.StatusCreated)
}

func (s *Server) handlePairsRemove(w http.ResponseWriter, r *http.Request) {
	s.changePair(w, r, "remove", s.portfolio.RemovePair, http.StatusOK)
}

func (s *Server) changePair(
	w http.ResponseWriter,
	r *http.Request,
	action string,
	change func(context.Context, uniswapv2.TokenPair) error,
	status int,
) {
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}

	pair, err := uniswapv2.ParseTokenPair(req.TokenA, req.TokenB)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := change(r.Context(), pair); err != nil {
		if errors.Is(err, registry.ErrNotConnected) {
			writeError(w, http.StatusConflict, err)
			return
		}
		log.Error().Err(err).Str("pair", pair.String()).Msgf("Failed to %s pair", action)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, status, newPairResponses(s.views.TrackedPairs()))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, s.views.View)
}

func (s *Server) accountResponse() accountResponse {
	view := s.views.View()
	resp := accountResponse{Generation: view.Generation}
	if account := s.views.Account(); account != nil {
		resp.Account = account.Hex()
		resp.Connected = true
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
