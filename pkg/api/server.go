// Package api is the HTTP front door: stateless request validation and
// JSON shaping over the command channel, plus a websocket price stream.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/sayandeepx/leverex/pkg/engine"
	"github.com/sayandeepx/leverex/pkg/queue"
)

// Server exposes the REST endpoints and the websocket hub. It holds no
// trading state: every mutation rides the command channel and the engine
// reference serves read-only price queries.
type Server struct {
	requester *queue.Requester
	engine    *engine.Engine
	router    *mux.Router
	hub       *Hub
	log       *zap.SugaredLogger
	corsOrig  string
}

// NewServer wires the routes.
func NewServer(requester *queue.Requester, eng *engine.Engine, corsOrigin string, log *zap.SugaredLogger) *Server {
	s := &Server{
		requester: requester,
		engine:    eng,
		router:    mux.NewRouter(),
		hub:       NewHub(log),
		log:       log,
		corsOrig:  corsOrigin,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/signup", s.handleSignup).Methods("POST")
	api.HandleFunc("/signin", s.handleSignin).Methods("POST")

	api.HandleFunc("/trade", s.handleTrade).Methods("POST")
	api.HandleFunc("/trade/close", s.handleClose).Methods("POST")
	api.HandleFunc("/positions", s.handlePositions).Methods("GET")
	api.HandleFunc("/balance", s.handleBalance).Methods("GET")
	api.HandleFunc("/price/{symbol}", s.handlePrice).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the full handler chain including CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{s.corsOrig},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// RunHub processes websocket client registration; run it once alongside
// the HTTP server.
func (s *Server) RunHub() {
	s.hub.Run()
}

// BroadcastPrice pushes a mark-price update to websocket subscribers of
// the symbol's channel. Wired as the engine's OnMark observer.
func (s *Server) BroadcastPrice(mp engine.MarketPrice) {
	s.hub.BroadcastToChannel(mp.Symbol, PriceUpdate{
		Type:   "price",
		Symbol: mp.Symbol,
		Bid:    mp.Bid,
		Ask:    mp.Ask,
		Mid:    mp.Mid(),
		AsOf:   mp.AsOf.Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	s.dispatch(w, r, queue.ActionCreateUser, queue.CreateUserData{
		Username:        req.Username,
		Password:        req.Password,
		StartingBalance: req.StartingBalance,
	})
}

func (s *Server) handleSignin(w http.ResponseWriter, r *http.Request) {
	var req SigninRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.dispatch(w, r, queue.ActionAuthenticateUser, queue.AuthenticateUserData{
		Username: req.Username,
		Password: req.Password,
	})
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Asset == "" || !req.Margin.IsPositive() || req.Leverage == 0 {
		respondError(w, http.StatusBadRequest, "asset, margin and leverage are required")
		return
	}
	if req.Type != "buy" && req.Type != "sell" {
		respondError(w, http.StatusBadRequest, "type must be 'buy' or 'sell'")
		return
	}
	s.dispatch(w, r, queue.ActionPlaceOrder, queue.PlaceOrderData{
		UserID:   req.UserID,
		Symbol:   req.Asset,
		Side:     req.Type,
		Margin:   req.Margin,
		Leverage: req.Leverage,
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PositionID == "" {
		respondError(w, http.StatusBadRequest, "positionId is required")
		return
	}
	s.dispatch(w, r, queue.ActionClosePosition, queue.ClosePositionData{
		UserID:     req.UserID,
		PositionID: req.PositionID,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.dispatch(w, r, queue.ActionGetPositions, queue.GetPositionsData{UserID: userID})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.dispatch(w, r, queue.ActionGetUser, queue.GetUserData{UserID: userID})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	mp, err := s.engine.LatestPrice(symbol)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	raw, _ := json.Marshal(mp)
	respondData(w, raw)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// dispatch pushes a command onto its queue and translates the correlated
// reply into an HTTP response.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, action string, data any) {
	cmd, err := queue.NewCommand(action, data)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	reply, err := s.requester.Request(r.Context(), cmd)
	if err != nil {
		if errors.Is(err, queue.ErrEngineTimeout) {
			respondError(w, http.StatusGatewayTimeout, "engine did not respond")
			return
		}
		s.log.Errorw("dispatch_failed", "action", action, "err", err)
		respondError(w, http.StatusInternalServerError, "error processing request")
		return
	}

	if !reply.Success {
		respondError(w, http.StatusBadRequest, reply.Error)
		return
	}
	respondData(w, reply.Data)
}

func parseUserID(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("userId")
	if raw == "" {
		return 0, fmt.Errorf("userId query parameter is required")
	}
	var id uint64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid userId: %q", raw)
	}
	return id, nil
}
