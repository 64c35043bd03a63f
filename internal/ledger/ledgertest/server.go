// Package ledgertest provides an in-process fake of the ledger RPC service.
package ledgertest

import (
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// SendFunc decides the outcome of a broadcast. Returning a non-empty errMsg
// makes the send fail with {success:false, error: errMsg}.
type SendFunc func(payload string) (signature, errMsg string)

// Server is a fake ledger RPC service.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	balances     map[string]uint64
	statuses     map[string]string
	blockhash    string
	expiryHeight uint64
	send         SendFunc
	down         map[string]bool

	Calls map[string]int
}

// NewServer starts a fake ledger. Every sent transfer confirms by default.
func NewServer() *Server {
	s := &Server{
		balances:     make(map[string]uint64),
		statuses:     make(map[string]string),
		blockhash:    RandomHash(),
		expiryHeight: 1000,
		down:         make(map[string]bool),
		Calls:        make(map[string]int),
	}
	s.send = func(string) (string, string) {
		return RandomSignature(), ""
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /wallet/balance/{account}", s.handleBalance)
	mux.HandleFunc("POST /wallet/airdrop", s.handleAirdrop)
	mux.HandleFunc("GET /blocks/latest", s.handleLatest)
	mux.HandleFunc("POST /transactions/build", s.handleBuild)
	mux.HandleFunc("POST /transactions/send", s.handleSend)
	mux.HandleFunc("GET /transactions/status/{signature}", s.handleStatus)
	s.Server = httptest.NewServer(mux)
	return s
}

// RandomHash returns a random base58 block hash.
func RandomHash() string {
	var h solana.Hash
	_, _ = rand.Read(h[:])
	return h.String()
}

// RandomAccount returns a random base58 account address.
func RandomAccount() string {
	var pk solana.PublicKey
	_, _ = rand.Read(pk[:])
	return pk.String()
}

// RandomSignature returns a random base58 signature.
func RandomSignature() string {
	var sig solana.Signature
	_, _ = rand.Read(sig[:])
	return sig.String()
}

// SetBalance sets the lamport balance of account.
func (s *Server) SetBalance(account string, lamports uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = lamports
}

// SetStatus sets the status reported for signature.
func (s *Server) SetStatus(signature, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[signature] = status
}

// Status returns the status recorded for signature.
func (s *Server) Status(signature string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[signature]
}

// RotateBlockhash replaces the current block reference.
func (s *Server) RotateBlockhash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockhash = RandomHash()
	s.expiryHeight += 150
	return s.blockhash
}

// Blockhash returns the current block reference.
func (s *Server) Blockhash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockhash
}

// OnSend replaces the broadcast behavior. New signatures start "confirmed"
// unless the caller sets otherwise with SetStatus afterwards.
func (s *Server) OnSend(fn SendFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.send = fn
}

// SetDown makes the route answer 503 while down is true.
func (s *Server) SetDown(route string, down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[route] = down
}

// CallCount returns how many times route was hit.
func (s *Server) CallCount(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls[route]
}

// Payload builds the fake unsigned payload for a transfer against blockhash.
func Payload(from, to, blockhash string) string {
	return "unsigned:" + from + ":" + to + ":" + blockhash
}

func (s *Server) enter(w http.ResponseWriter, route string) bool {
	s.mu.Lock()
	s.Calls[route]++
	down := s.down[route]
	s.mu.Unlock()
	if down {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, "health") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "network": "devnet", "port": 3001})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, "balance") {
		return
	}
	account := r.PathValue("account")
	s.mu.Lock()
	lamports := s.balances[account]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"account":  account,
		"lamports": lamports,
		"balance":  float64(lamports) / float64(solana.LAMPORTS_PER_SOL),
	})
}

func (s *Server) handleAirdrop(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, "airdrop") {
		return
	}
	var req struct {
		Account string  `json:"account"`
		Amount  float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	sig := RandomSignature()
	s.mu.Lock()
	s.balances[req.Account] += uint64(req.Amount * float64(solana.LAMPORTS_PER_SOL))
	s.statuses[sig] = "confirmed"
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "signature": sig})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, "latest") {
		return
	}
	s.mu.Lock()
	hash, height := s.blockhash, s.expiryHeight
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "blockhash": hash, "lastValidBlockHeight": height})
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, "build") {
		return
	}
	var req struct {
		From            string `json:"from"`
		To              string `json:"to"`
		AmountNative    uint64 `json:"amountNative"`
		RecentBlockhash string `json:"recentBlockhash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	s.mu.Lock()
	hash, height := s.blockhash, s.expiryHeight
	s.mu.Unlock()
	if req.RecentBlockhash != "" {
		hash = req.RecentBlockhash
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":              true,
		"transaction":          Payload(req.From, req.To, hash),
		"blockhash":            hash,
		"lastValidBlockHeight": height,
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, "send") {
		return
	}
	var req struct {
		Signed string `json:"signedTransferBase64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}

	s.mu.Lock()
	send := s.send
	current := s.blockhash
	s.mu.Unlock()

	// A payload built against a rotated block reference is stale.
	if strings.HasPrefix(req.Signed, "signed:unsigned:") && !strings.HasSuffix(req.Signed, ":"+current) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Transaction simulation failed: Blockhash not found"})
		return
	}

	sig, errMsg := send(req.Signed)
	if errMsg != "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": errMsg})
		return
	}
	s.mu.Lock()
	if _, ok := s.statuses[sig]; !ok {
		s.statuses[sig] = "confirmed"
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "signature": sig})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.enter(w, "status") {
		return
	}
	sig := r.PathValue("signature")
	s.mu.Lock()
	status, ok := s.statuses[sig]
	s.mu.Unlock()
	if !ok {
		status = "pending"
	}
	resp := map[string]any{"success": true, "signature": sig, "status": status, "err": nil}
	if status == "failed" {
		resp["err"] = map[string]any{"InstructionError": []any{0, "InsufficientFunds"}}
	}
	writeJSON(w, http.StatusOK, resp)
}
