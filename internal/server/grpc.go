package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"torex/internal/ingestion"
	"torex/internal/observability"
	"torex/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server hosts the gRPC endpoint (health + reflection) and the HTTP/JSON
// API. The JSON routes are served directly off a gateway mux; service
// protobufs are a follow-up once the wire schema settles, at which point
// the handlers move behind generated stubs.
type Server struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	deps          *ServerDeps
	healthChecker *observability.HealthChecker
}

// ServerDeps holds all dependencies needed by the API handlers.
type ServerDeps struct {
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	StartTime     time.Time
	HealthChecker *observability.HealthChecker
}

// NewServer creates the gRPC server and prepares the HTTP routes.
func NewServer(grpcAddr, httpAddr string, deps *ServerDeps) *Server {
	grpcServer := grpc.NewServer()

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		deps:          deps,
		healthChecker: deps.HealthChecker,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP API listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) registerRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{"GET", "/v1/torexes/{torex}/balances", s.handleInstanceBalances},
		{"GET", "/v1/torexes/{torex}/traders/{trader}/balance", s.handleTraderBalance},
		{"GET", "/v1/torexes/{torex}/traders/{trader}/journal", s.handleJournalHistory},
		{"GET", "/v1/torexes/{torex}/movements", s.handleMovementHistory},
		{"GET", "/v1/torexes/{torex}/flows", s.handleFlowHistory},
		{"GET", "/v1/admin/integrity", s.handleIntegrity},
		{"POST", "/v1/admin/price-ticks", s.handleInjectPriceTick},
		{"POST", "/v1/admin/flow-deletes", s.handleInjectFlowDelete},
		{"POST", "/v1/admin/move-requests", s.handleInjectMoveRequest},
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return fmt.Errorf("route %s %s: %w", r.method, r.pattern, err)
		}
	}
	return nil
}

// ============================================================================
// Query handlers
// ============================================================================

func (s *Server) handleInstanceBalances(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	torexID := pathParams["torex"]
	inAsset := r.URL.Query().Get("in_asset")
	outAsset := r.URL.Query().Get("out_asset")
	if torexID == "" || inAsset == "" || outAsset == "" {
		writeError(w, http.StatusBadRequest, "torex, in_asset, and out_asset are required")
		return
	}

	resp, err := s.deps.QueryService.GetInstanceBalances(r.Context(), torexID, inAsset, outAsset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get balances: %v", err))
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleTraderBalance(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	torexID := pathParams["torex"]
	traderID, err := uuid.Parse(pathParams["trader"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid trader: %v", err))
		return
	}
	asset := r.URL.Query().Get("asset")
	if torexID == "" || asset == "" {
		writeError(w, http.StatusBadRequest, "torex and asset are required")
		return
	}

	resp, err := s.deps.QueryService.GetTraderBalance(r.Context(), torexID, traderID, asset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get trader balance: %v", err))
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleJournalHistory(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	torexID := pathParams["torex"]
	traderID, err := uuid.Parse(pathParams["trader"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid trader: %v", err))
		return
	}

	limit := queryLimit(r)
	before := queryBefore(r)

	entries, err := s.deps.QueryService.GetJournalHistory(r.Context(), torexID, traderID, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("journal history: %v", err))
		return
	}
	writeJSON(w, map[string]interface{}{"entries": entries})
}

func (s *Server) handleMovementHistory(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	torexID := pathParams["torex"]
	limit := queryLimit(r)
	before := queryBefore(r)

	history, err := s.deps.QueryService.ListMovementHistory(r.Context(), torexID, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("movement history: %v", err))
		return
	}
	writeJSON(w, map[string]interface{}{"movements": history})
}

func (s *Server) handleFlowHistory(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	torexID := pathParams["torex"]
	limit := queryLimit(r)
	before := queryBefore(r)

	var traderID *uuid.UUID
	if t := r.URL.Query().Get("trader"); t != "" {
		parsed, err := uuid.Parse(t)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid trader: %v", err))
			return
		}
		traderID = &parsed
	}

	history, err := s.deps.QueryService.ListFlowHistory(r.Context(), torexID, traderID, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("flow history: %v", err))
		return
	}
	writeJSON(w, map[string]interface{}{"flows": history})
}

// ============================================================================
// Admin handlers
// ============================================================================

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("verify integrity: %v", err))
		return
	}
	writeJSON(w, report)
}

func (s *Server) handleInjectPriceTick(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req struct {
		Pool          string `json:"pool"`
		Price         int64  `json:"price"`
		PriceSequence int64  `json:"price_sequence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	if err := s.deps.IngestService.InjectPriceTick(r.Context(), req.Pool, req.Price, req.PriceSequence); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "accepted"})
}

func (s *Server) handleInjectFlowDelete(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req struct {
		Torex          string `json:"torex"`
		Trader         string `json:"trader"`
		ChangeSequence int64  `json:"change_sequence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	traderID, err := uuid.Parse(req.Trader)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid trader: %v", err))
		return
	}

	if err := s.deps.IngestService.InjectFlowDelete(r.Context(), req.Torex, traderID, req.ChangeSequence); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "accepted"})
}

func (s *Server) handleInjectMoveRequest(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req struct {
		Torex           string `json:"torex"`
		Mover           string `json:"mover"`
		RequestSequence int64  `json:"request_sequence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	if err := s.deps.IngestService.InjectMoveRequest(r.Context(), req.Torex, req.Mover, req.RequestSequence); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "accepted"})
}

// ============================================================================
// Helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func queryLimit(r *http.Request) int {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	return limit
}

func queryBefore(r *http.Request) *int64 {
	if b := r.URL.Query().Get("before"); b != "" {
		if parsed, err := strconv.ParseInt(b, 10, 64); err == nil {
			return &parsed
		}
	}
	return nil
}
