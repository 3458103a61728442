package server

import (
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const maxInstructionBytes = 64 << 10

// Config holds listen addresses and submission limits.
type Config struct {
	GRPCAddr string
	HTTPAddr string

	// Per remote host; zero disables limiting.
	SubmitRatePerSecond float64
	SubmitBurst         int
}

// GRPCServer serves escrowledger.v1.Escrow over gRPC and the same handlers
// as HTTP/JSON through a grpc-gateway mux.
type GRPCServer struct {
	cfg           Config
	grpcServer    *grpc.Server
	httpServer    *http.Server
	svc           *escrowService
	limiter       *peerLimiter
	health        *health.Server
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(cfg Config, deps Deps, hc *observability.HealthChecker, metrics *observability.Metrics, logger zerolog.Logger) *GRPCServer {
	s := &GRPCServer{
		cfg:           cfg,
		svc:           &escrowService{deps: deps},
		limiter:       newPeerLimiter(cfg.SubmitRatePerSecond, cfg.SubmitBurst),
		health:        health.NewServer(),
		healthChecker: hc,
		metrics:       metrics,
		logger:        logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		s.recoveryInterceptor,
		s.observeInterceptor,
		s.limiter.unaryInterceptor(s.limited),
	))
	RegisterEscrowServer(s.grpcServer, s.svc)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)
	return s
}

// SetServing flips gRPC health and HTTP readiness together. The service is
// ready once recovery has replayed the log.
func (s *GRPCServer) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
	if s.healthChecker != nil {
		s.healthChecker.SetReady(ok)
	}
}

func (s *GRPCServer) limited(transport string) {
	if s.metrics != nil {
		s.metrics.SubmissionsLimited.WithLabelValues(transport).Inc()
	}
}

func (s *GRPCServer) recoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("method", info.FullMethod).Interface("panic", r).Msg("panic in unary handler")
			err = status.Error(codes.Internal, "internal server error")
		}
	}()
	return handler(ctx, req)
}

func (s *GRPCServer) observeInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.observe(endpointName(info.FullMethod), start, err)
	return resp, err
}

func (s *GRPCServer) observe(endpoint string, start time.Time, err error) {
	code := status.Code(err)
	if s.metrics != nil {
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		st := "ok"
		if err != nil {
			st = "error"
			s.metrics.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
		}
		s.metrics.QueryRequests.WithLabelValues(endpoint, st).Inc()
	}
	if code == codes.Internal {
		s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
	} else {
		s.logger.Debug().Str("endpoint", endpoint).Str("code", code.String()).Dur("took", time.Since(start)).Msg("request")
	}
}

func endpointName(fullMethod string) string {
	if i := strings.LastIndexByte(fullMethod, '/'); i >= 0 {
		return fullMethod[i+1:]
	}
	return fullMethod
}

// Serve runs the gRPC server on lis until it is stopped.
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.cfg.GRPCAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// HTTPHandler builds the HTTP/JSON surface. Routes call the service
// handlers directly, so HTTP and gRPC share validation and error mapping.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern, endpoint string
		h                         func(*http.Request, map[string]string) (any, error)
	}{
		{http.MethodPost, "/v1/instructions/{type}", "Submit", s.httpSubmit},
		{http.MethodGet, "/v1/escrows/{address}", "GetEscrow", s.httpGetEscrow},
		{http.MethodGet, "/v1/escrows", "ListEscrows", s.httpListEscrows},
		{http.MethodGet, "/v1/accounts/{owner}/balances", "GetBalances", s.httpGetBalances},
		{http.MethodGet, "/v1/derive/{maker}/{seed}", "DeriveAddresses", s.httpDerive},
	}
	for _, rt := range routes {
		rt := rt
		err := mux.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			start := time.Now()
			resp, err := rt.h(r, params)
			err = toStatus(err)
			s.observe(rt.endpoint, start, err)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
		if err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// StartHTTPGateway starts the HTTP/JSON server (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.cfg.HTTPAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- HTTP routes ---

func (s *GRPCServer) httpSubmit(r *http.Request, params map[string]string) (any, error) {
	if !s.limiter.allowHTTP(r) {
		s.limited("http")
		return nil, status.Error(codes.ResourceExhausted, "submission rate limit exceeded")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInstructionBytes+1))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	if len(body) > maxInstructionBytes {
		return nil, status.Error(codes.InvalidArgument, "instruction too large")
	}
	return s.svc.Submit(withSource(r.Context(), "http"), &SubmitRequest{Type: params["type"], Instruction: body})
}

func (s *GRPCServer) httpGetEscrow(r *http.Request, params map[string]string) (any, error) {
	addr, err := ledger.ParseAddress(params["address"])
	if err != nil {
		return nil, err
	}
	return s.svc.GetEscrow(r.Context(), &GetEscrowRequest{Address: &addr})
}

func (s *GRPCServer) httpListEscrows(r *http.Request, _ map[string]string) (any, error) {
	q := r.URL.Query()
	req := &ListEscrowsRequest{Status: q.Get("status")}
	if m := q.Get("maker"); m != "" {
		maker, err := ledger.ParseAddress(m)
		if err != nil {
			return nil, err
		}
		req.Maker = &maker
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "limit: %v", err)
		}
		req.Limit = n
	}
	return s.svc.ListEscrows(r.Context(), req)
}

func (s *GRPCServer) httpGetBalances(r *http.Request, params map[string]string) (any, error) {
	owner, err := ledger.ParseAddress(params["owner"])
	if err != nil {
		return nil, err
	}
	projected, _ := strconv.ParseBool(r.URL.Query().Get("projected"))
	return s.svc.GetBalances(r.Context(), &GetBalancesRequest{Owner: owner, Projected: projected})
}

func (s *GRPCServer) httpDerive(r *http.Request, params map[string]string) (any, error) {
	maker, err := ledger.ParseAddress(params["maker"])
	if err != nil {
		return nil, err
	}
	seed, err := strconv.ParseUint(params["seed"], 10, 64)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "seed: %v", err)
	}
	req := &DeriveRequest{Maker: maker, Seed: seed}
	if a := r.URL.Query().Get("asset"); a != "" {
		id, err := strconv.ParseUint(a, 10, 16)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "asset: %v", err)
		}
		req.OfferedAsset = ledger.AssetID(id)
	}
	return s.svc.DeriveAddresses(r.Context(), req)
}

type httpError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), httpError{Code: st.Code().String(), Message: st.Message()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
