package rpc

import (
	"errors"
	"math/big"
	"net/http"
	"strings"
	"sync"
)

var errNoQuote = errors.New("rpc: no price quote for asset")

// PriceBook is an in-memory oracle fed by the price endpoint. Reads fail when
// no quote has been published for an asset; the engines treat that as a hard
// error rather than assuming a stale value.
type PriceBook struct {
	mu     sync.RWMutex
	quotes map[string]*big.Rat
}

func NewPriceBook() *PriceBook {
	return &PriceBook{quotes: make(map[string]*big.Rat)}
}

// Price implements the ledger's oracle interface.
func (b *PriceBook) Price(asset string) (*big.Rat, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	quote, ok := b.quotes[strings.ToLower(strings.TrimSpace(asset))]
	if !ok {
		return nil, errNoQuote
	}
	return new(big.Rat).Set(quote), nil
}

// Set publishes a quote for an asset, replacing any previous value.
func (b *PriceBook) Set(asset string, price *big.Rat) error {
	if price == nil || price.Sign() <= 0 {
		return errors.New("rpc: price must be positive")
	}
	key := strings.ToLower(strings.TrimSpace(asset))
	if key == "" {
		return errors.New("rpc: asset is required")
	}
	b.mu.Lock()
	b.quotes[key] = new(big.Rat).Set(price)
	b.mu.Unlock()
	return nil
}

type setPriceRequest struct {
	Asset string `json:"asset"`
	Price string `json:"price"`
}

func (s *Server) setPrice(w http.ResponseWriter, r *http.Request) {
	if s.oracle == nil {
		writeError(w, http.StatusBadRequest, "price feed not configured")
		return
	}
	var req setPriceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	price, err := parsePrice(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if price == nil {
		writeError(w, http.StatusBadRequest, "price is required")
		return
	}
	if err := s.oracle.Set(req.Asset, price); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": req.Asset, "price": price.RatString()})
}
