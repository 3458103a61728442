package server

import (
	"EscrowLedger/internal/core"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/query"
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// InstructionSubmitter parses and submits signed instructions.
type InstructionSubmitter interface {
	SubmitInstruction(ctx context.Context, eventType string, data []byte, source string) (*core.Result, error)
}

// LiveReader reads committed core state.
type LiveReader interface {
	Escrow(ctx context.Context, address ledger.Address) (*query.EscrowView, error)
	EscrowFor(ctx context.Context, maker ledger.Address, seed uint64) (*query.EscrowView, error)
	Balances(ctx context.Context, owner ledger.Address) (*query.BalancesResponse, error)
}

// ProjectionReader reads the Postgres projections.
type ProjectionReader interface {
	GetEscrow(ctx context.Context, address ledger.Address) (*query.EscrowView, error)
	ListEscrows(ctx context.Context, f query.ListEscrowsFilter) ([]query.EscrowView, error)
	GetBalances(ctx context.Context, owner ledger.Address) (*query.BalancesResponse, error)
}

// AddressDeriver computes escrow and vault addresses without state.
type AddressDeriver interface {
	EscrowAddress(maker ledger.Address, seed uint64) (ledger.Address, uint8, error)
	VaultAddress(escrow ledger.Address, asset ledger.AssetID) (ledger.Address, uint8, error)
}

// Deps are the collaborators of the escrow service. Projection may be nil,
// in which case history and listing are unavailable.
type Deps struct {
	Ingest     InstructionSubmitter
	Live       LiveReader
	Projection ProjectionReader
	Deriver    AddressDeriver
}

type escrowService struct {
	deps Deps
}

type sourceKey struct{}

func withSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceOf(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok {
		return s
	}
	return "grpc"
}

// instructionType accepts the short names used in routes and CLI.
func instructionType(t string) (string, error) {
	switch strings.ToLower(t) {
	case "make", "escrowmake":
		return event.EventTypeEscrowMake.String(), nil
	case "take", "escrowtake":
		return event.EventTypeEscrowTake.String(), nil
	case "refund", "escrowrefund":
		return event.EventTypeEscrowRefund.String(), nil
	}
	return "", status.Errorf(codes.InvalidArgument, "unknown instruction type %q", t)
}

func (s *escrowService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	et, err := instructionType(req.Type)
	if err != nil {
		return nil, err
	}
	if len(req.Instruction) == 0 {
		return nil, status.Error(codes.InvalidArgument, "instruction is required")
	}

	res, err := s.deps.Ingest.SubmitInstruction(ctx, et, req.Instruction, sourceOf(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &SubmitResponse{Sequence: res.Sequence, Duplicate: res.Duplicate, Receipt: res.Receipt}
	if !res.Duplicate {
		resp.StateHash = res.StateHash[:]
	}
	return resp, nil
}

// GetEscrow prefers live state. A settled escrow is gone from the core, so
// it is looked up in the projection for its outcome.
func (s *escrowService) GetEscrow(ctx context.Context, req *GetEscrowRequest) (*query.EscrowView, error) {
	var (
		view *query.EscrowView
		addr ledger.Address
		err  error
	)
	switch {
	case req.Address != nil:
		addr = *req.Address
		view, err = s.deps.Live.Escrow(ctx, addr)
	case req.Maker != nil && req.Seed != nil:
		if addr, _, err = s.deps.Deriver.EscrowAddress(*req.Maker, *req.Seed); err != nil {
			return nil, toStatus(err)
		}
		view, err = s.deps.Live.EscrowFor(ctx, *req.Maker, *req.Seed)
	default:
		return nil, status.Error(codes.InvalidArgument, "address or maker and seed are required")
	}

	if errors.Is(err, escrow.ErrEscrowNotFound) && s.deps.Projection != nil {
		view, err = s.deps.Projection.GetEscrow(ctx, addr)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return view, nil
}

func (s *escrowService) ListEscrows(ctx context.Context, req *ListEscrowsRequest) (*ListEscrowsResponse, error) {
	if s.deps.Projection == nil {
		return nil, status.Error(codes.Unavailable, "escrow listing requires the projection store")
	}
	views, err := s.deps.Projection.ListEscrows(ctx, query.ListEscrowsFilter{
		Maker:  req.Maker,
		Status: req.Status,
		Limit:  req.Limit,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &ListEscrowsResponse{Escrows: views, AsOfSequence: -1}
	if len(views) > 0 {
		resp.AsOfSequence = views[0].AsOfSequence
	}
	return resp, nil
}

func (s *escrowService) GetBalances(ctx context.Context, req *GetBalancesRequest) (*query.BalancesResponse, error) {
	if req.Owner.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "owner is required")
	}
	var (
		resp *query.BalancesResponse
		err  error
	)
	if req.Projected {
		if s.deps.Projection == nil {
			return nil, status.Error(codes.Unavailable, "projected balances require the projection store")
		}
		resp, err = s.deps.Projection.GetBalances(ctx, req.Owner)
	} else {
		resp, err = s.deps.Live.Balances(ctx, req.Owner)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *escrowService) DeriveAddresses(ctx context.Context, req *DeriveRequest) (*DeriveResponse, error) {
	if req.Maker.IsZero() {
		return nil, status.Error(codes.InvalidArgument, "maker is required")
	}
	addr, bump, err := s.deps.Deriver.EscrowAddress(req.Maker, req.Seed)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &DeriveResponse{Escrow: addr, Bump: bump}
	if req.OfferedAsset != 0 {
		vault, vaultBump, err := s.deps.Deriver.VaultAddress(addr, req.OfferedAsset)
		if err != nil {
			return nil, toStatus(err)
		}
		resp.Vault, resp.VaultBump = &vault, vaultBump
	}
	return resp, nil
}
