package api

import (
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"
)

// Request bodies. The front door does thin validation and JSON shaping
// only; all state lives behind the command channel.

type SignupRequest struct {
	Username        string          `json:"username"`
	Password        string          `json:"password"`
	StartingBalance decimal.Decimal `json:"startingBalance"`
}

type SigninRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TradeRequest struct {
	UserID   uint64          `json:"userId"`
	Asset    string          `json:"asset"`
	Type     string          `json:"type"` // "buy" or "sell"
	Margin   decimal.Decimal `json:"margin"`
	Leverage uint32          `json:"leverage"`
}

type CloseRequest struct {
	UserID     uint64 `json:"userId"`
	PositionID string `json:"positionId"`
}

// APIResponse is the uniform reply shape: success with data, or an error
// message.
type APIResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// WSSubscribeRequest lets a websocket client pick price channels.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// PriceUpdate is broadcast to websocket subscribers of a symbol channel.
type PriceUpdate struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Mid    decimal.Decimal `json:"mid"`
	AsOf   string          `json:"asOf"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondData(w http.ResponseWriter, data json.RawMessage) {
	respondJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, APIResponse{Success: false, Message: message})
}
