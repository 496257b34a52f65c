// Package server exposes the kernel over HTTP for the dashboard and the
// optional chat agent. All payloads are JSON; request amounts are
// human-readable decimal strings, and amounts in response bodies are
// smallest-unit integers.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	sentinel "github.com/nikillxh/sentinel"
	"github.com/nikillxh/sentinel/pkg/policy"
	"github.com/nikillxh/sentinel/pkg/quote"
	"github.com/nikillxh/sentinel/pkg/types"
)

// Server wraps the kernel behind the /api surface.
type Server struct {
	kernel *sentinel.Sentinel
}

// New builds the HTTP facade.
func New(kernel *sentinel.Sentinel) *Server {
	return &Server{kernel: kernel}
}

// Handler assembles the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors(corsConfig{}))

	r.Route("/api", func(api chi.Router) {
		api.Get("/session", s.getSession)
		api.Post("/session", s.openSession)
		api.Delete("/session", s.closeSession)
		api.Post("/simulate", s.simulate)
		api.Post("/swap", s.swap)
		api.Get("/policy", s.getPolicy)
		api.Get("/audit", s.getAudit)
		api.Get("/status", s.getStatus)
	})
	return r
}

type apiResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type openRequest struct {
	DepositUsdc string `json:"depositUsdc,omitempty"`
}

type swapRequest struct {
	TokenIn     string `json:"tokenIn"`
	TokenOut    string `json:"tokenOut"`
	Amount      string `json:"amount"`
	SlippageBps uint32 `json:"slippageBps,omitempty"`
	Dex         string `json:"dex,omitempty"`
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	session, ok := s.kernel.Session()
	if !ok {
		writeError(w, http.StatusNotFound, sentinel.ErrNoActiveSession)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var deposit *big.Int
	if req.DepositUsdc != "" {
		parsed, err := types.ParseUnits(req.DepositUsdc, types.AssetUSDC.Decimals())
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		deposit = parsed
	}
	session, err := s.kernel.Open(r.Context(), deposit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	closed, err := s.kernel.Close(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	record, err := s.kernel.Settle(r.Context())
	if err != nil {
		if errors.Is(err, sentinel.ErrSettlerNotConfigured) {
			// No backend: the caller settles out of band; hand the closed
			// session back.
			writeJSON(w, http.StatusOK, closed)
			return
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":    closed,
		"settlement": record,
	})
}

func (s *Server) simulate(w http.ResponseWriter, r *http.Request) {
	_, tokenIn, tokenOut, amount, err := parseSwapRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sim, err := s.kernel.SimulateSwap(r.Context(), tokenIn, tokenOut, amount)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

func (s *Server) swap(w http.ResponseWriter, r *http.Request) {
	req, tokenIn, tokenOut, amount, err := parseSwapRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var opts []sentinel.ProposalOption
	if req.Dex != "" {
		opts = append(opts, sentinel.WithDex(req.Dex))
	}
	if req.SlippageBps != 0 {
		opts = append(opts, sentinel.WithSlippageBps(req.SlippageBps))
	}
	outcome, err := s.kernel.ProposeSwap(r.Context(), tokenIn, tokenOut, amount, opts...)
	if err != nil {
		if errors.Is(err, sentinel.ErrPolicyRejected) && outcome != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"rejected": true,
				"decision": outcome.Decision,
			})
			return
		}
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) getPolicy(w http.ResponseWriter, _ *http.Request) {
	cfg := s.kernel.Policy()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"maxTradeBps":    cfg.MaxTradeBps,
		"maxSlippageBps": cfg.MaxSlippageBps,
		"allowedDexes":   cfg.AllowedDexes,
		"allowedAssets":  cfg.AllowedAssets,
		"policyHash":     s.kernel.PolicyHash(),
		"canonical":      policy.Canonicalize(cfg),
	})
}

func (s *Server) getAudit(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.kernel.AuditLog().Entries())
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	summary, err := s.kernel.Summary()
	if err != nil {
		if errors.Is(err, sentinel.ErrNoActiveSession) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status":     types.SessionNone,
				"policyHash": s.kernel.PolicyHash(),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func parseSwapRequest(r *http.Request) (*swapRequest, types.Asset, types.Asset, *big.Int, error) {
	var req swapRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, "", "", nil, err
	}
	tokenIn, err := types.ParseAsset(req.TokenIn)
	if err != nil {
		return nil, "", "", nil, err
	}
	tokenOut, err := types.ParseAsset(req.TokenOut)
	if err != nil {
		return nil, "", "", nil, err
	}
	amount, err := types.ParseUnits(req.Amount, tokenIn.Decimals())
	if err != nil {
		return nil, "", "", nil, err
	}
	return &req, tokenIn, tokenOut, amount, nil
}

func decodeBody(r *http.Request, out interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sentinel.ErrNoActiveSession):
		return http.StatusNotFound
	case errors.Is(err, sentinel.ErrSessionActive),
		errors.Is(err, sentinel.ErrInvalidSessionState):
		return http.StatusConflict
	case errors.Is(err, sentinel.ErrInsufficientBalance),
		errors.Is(err, quote.ErrNoLiquidity),
		errors.Is(err, sentinel.ErrActionLimit):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success:   status < http.StatusBadRequest,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success:   false,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
}
