package main

import (
	"EscrowLedger/internal/config"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ingestion"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/server"
	"EscrowLedger/internal/signature"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultServer = "localhost:9090"
	keyEnv        = "ESCROW_KEY"
	callTimeout   = 10 * time.Second
)

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: escrowctl <command> [flags]

Commands:
  keygen     generate a signing key
  address    print the address of --key
  derive     compute escrow and vault addresses for --maker and --seed
  make       open an escrow
  take       settle an escrow as the taker
  refund     cancel an escrow as its maker
  escrow     show an escrow by --address or --maker and --seed
  list       list projected escrows
  balances   show balances of --owner

Signing commands read the key from --key or $ESCROW_KEY.
Assets are given as id:decimals, e.g. 2:6.`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmds := map[string]func([]string) error{
		"keygen":   runKeygen,
		"address":  runAddress,
		"derive":   runDerive,
		"make":     runMake,
		"take":     runTake,
		"refund":   runRefund,
		"escrow":   runEscrow,
		"list":     runList,
		"balances": runBalances,
	}
	cmd, ok := cmds[os.Args[1]]
	if !ok {
		usage()
		os.Exit(1)
	}
	if err := cmd(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// --- flags ---

type addressFlag struct {
	addr ledger.Address
	set  bool
}

func (f *addressFlag) String() string {
	if !f.set {
		return ""
	}
	return f.addr.Hex()
}

func (f *addressFlag) Set(s string) error {
	a, err := ledger.ParseAddress(s)
	if err != nil {
		return err
	}
	f.addr, f.set = a, true
	return nil
}

type assetFlag struct {
	ref ledger.AssetRef
	set bool
}

func (f *assetFlag) String() string {
	if !f.set {
		return ""
	}
	return fmt.Sprintf("%d:%d", f.ref.ID, f.ref.Decimals)
}

func (f *assetFlag) Set(s string) error {
	id, dec, ok := strings.Cut(s, ":")
	if !ok {
		return errors.New("want id:decimals")
	}
	n, err := strconv.ParseUint(id, 10, 16)
	if err != nil {
		return fmt.Errorf("asset id: %w", err)
	}
	d, err := strconv.ParseUint(dec, 10, 8)
	if err != nil {
		return fmt.Errorf("asset decimals: %w", err)
	}
	f.ref, f.set = ledger.AssetRef{ID: ledger.AssetID(n), Decimals: uint8(d)}, true
	return nil
}

type common struct {
	fs      *flag.FlagSet
	server  *string
	key     *string
	program *string
}

func newFlags(name string, signing bool) *common {
	c := &common{fs: flag.NewFlagSet(name, flag.ExitOnError)}
	c.server = c.fs.String("server", envOr("ESCROW_SERVER", defaultServer), "gRPC address of escrowledger")
	if signing {
		c.key = c.fs.String("key", os.Getenv(keyEnv), "hex private key")
		c.program = c.fs.String("program", config.Default().ProgramID, "escrow program ID the instruction is signed for")
	}
	return c
}

func (c *common) signer() (*ecdsa.PrivateKey, ledger.Address, error) {
	if c.key == nil || *c.key == "" {
		return nil, ledger.Address{}, fmt.Errorf("--key or $%s is required", keyEnv)
	}
	key, err := signature.LoadKey(*c.key)
	if err != nil {
		return nil, ledger.Address{}, fmt.Errorf("load key: %w", err)
	}
	return key, signature.AddressFromPublicKey(&key.PublicKey), nil
}

func (c *common) programID() (ledger.Address, error) {
	addr, err := ledger.ParseAddress(*c.program)
	if err != nil {
		return ledger.Address{}, fmt.Errorf("--program: %w", err)
	}
	return addr, nil
}

func (c *common) dial() (*server.Client, func(), error) {
	cc, err := grpc.NewClient(*c.server, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", *c.server, err)
	}
	return server.NewClient(cc), func() { cc.Close() }, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

// --- commands ---

func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	fs.Parse(args)
	key, err := signature.GenerateKey()
	if err != nil {
		return err
	}
	return printJSON(map[string]string{
		"private_key": signature.EncodeKey(key),
		"address":     signature.AddressFromPublicKey(&key.PublicKey).Hex(),
	})
}

func runAddress(args []string) error {
	c := newFlags("address", true)
	c.fs.Parse(args)
	_, addr, err := c.signer()
	if err != nil {
		return err
	}
	fmt.Println(addr.Hex())
	return nil
}

func runDerive(args []string) error {
	c := newFlags("derive", false)
	var maker addressFlag
	var asset assetFlag
	c.fs.Var(&maker, "maker", "maker address")
	seed := c.fs.Uint64("seed", 0, "escrow seed")
	c.fs.Var(&asset, "asset", "offered asset, to also derive the vault")
	c.fs.Parse(args)
	if !maker.set {
		return errors.New("--maker is required")
	}

	client, done, err := c.dial()
	if err != nil {
		return err
	}
	defer done()
	ctx, cancel := callCtx()
	defer cancel()

	resp, err := client.DeriveAddresses(ctx, &server.DeriveRequest{Maker: maker.addr, Seed: *seed, OfferedAsset: asset.ref.ID})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func submit(c *common, typ string, ins event.Instruction, key *ecdsa.PrivateKey) error {
	if err := event.SignInstruction(ins, key); err != nil {
		return err
	}
	data, err := ingestion.EncodeEvent(ins)
	if err != nil {
		return err
	}

	client, done, err := c.dial()
	if err != nil {
		return err
	}
	defer done()
	ctx, cancel := callCtx()
	defer cancel()

	resp, err := client.Submit(ctx, &server.SubmitRequest{Type: typ, Instruction: data})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runMake(args []string) error {
	c := newFlags("make", true)
	var offered, requested assetFlag
	seed := c.fs.Uint64("seed", 0, "escrow seed, unique per maker")
	c.fs.Var(&offered, "offered", "asset deposited into the vault")
	offeredAmount := c.fs.Uint64("offered-amount", 0, "amount deposited")
	c.fs.Var(&requested, "requested", "asset asked of the taker")
	requestedAmount := c.fs.Uint64("requested-amount", 0, "amount asked")
	c.fs.Parse(args)
	if !offered.set || !requested.set {
		return errors.New("--offered and --requested are required")
	}

	key, maker, err := c.signer()
	if err != nil {
		return err
	}
	program, err := c.programID()
	if err != nil {
		return err
	}
	return submit(c, "make", &event.EscrowMake{
		RequestID: uuid.New(),
		Program:   program,
		Maker:     maker,
		Args: escrow.MakeArgs{
			Seed:            *seed,
			OfferedAmount:   *offeredAmount,
			RequestedAmount: *requestedAmount,
			Offered:         offered.ref,
			Requested:       requested.ref,
		},
		Timestamp: time.Now().UTC(),
	}, key)
}

func runTake(args []string) error {
	c := newFlags("take", true)
	var maker addressFlag
	var offered, requested assetFlag
	c.fs.Var(&maker, "maker", "maker address")
	seed := c.fs.Uint64("seed", 0, "escrow seed")
	c.fs.Var(&offered, "offered", "asset held by the escrow")
	c.fs.Var(&requested, "requested", "asset paid to the maker")
	offeredAmount := c.fs.Uint64("offered-amount", 0, "amount the escrow holds")
	requestedAmount := c.fs.Uint64("requested-amount", 0, "amount paid to the maker")
	c.fs.Parse(args)
	if !maker.set || !offered.set || !requested.set || *offeredAmount == 0 || *requestedAmount == 0 {
		return errors.New("--maker, --offered, --requested and both amounts are required")
	}

	key, taker, err := c.signer()
	if err != nil {
		return err
	}
	program, err := c.programID()
	if err != nil {
		return err
	}
	return submit(c, "take", &event.EscrowTake{
		RequestID: uuid.New(),
		Program:   program,
		Taker:     taker,
		Args: escrow.TakeArgs{
			Maker:           maker.addr,
			Seed:            *seed,
			Offered:         offered.ref,
			Requested:       requested.ref,
			OfferedAmount:   *offeredAmount,
			RequestedAmount: *requestedAmount,
		},
		Timestamp: time.Now().UTC(),
	}, key)
}

func runRefund(args []string) error {
	c := newFlags("refund", true)
	var offered assetFlag
	seed := c.fs.Uint64("seed", 0, "escrow seed")
	c.fs.Var(&offered, "offered", "asset held by the escrow")
	c.fs.Parse(args)
	if !offered.set {
		return errors.New("--offered is required")
	}

	key, maker, err := c.signer()
	if err != nil {
		return err
	}
	program, err := c.programID()
	if err != nil {
		return err
	}
	return submit(c, "refund", &event.EscrowRefund{
		RequestID: uuid.New(),
		Program:   program,
		Caller:    maker,
		Args:      escrow.RefundArgs{Maker: maker, Seed: *seed, Offered: offered.ref},
		Timestamp: time.Now().UTC(),
	}, key)
}

func runEscrow(args []string) error {
	c := newFlags("escrow", false)
	var addr, maker addressFlag
	c.fs.Var(&addr, "address", "escrow address")
	c.fs.Var(&maker, "maker", "maker address")
	seed := c.fs.Uint64("seed", 0, "escrow seed")
	c.fs.Parse(args)

	req := &server.GetEscrowRequest{}
	switch {
	case addr.set:
		req.Address = &addr.addr
	case maker.set:
		req.Maker, req.Seed = &maker.addr, seed
	default:
		return errors.New("--address or --maker is required")
	}

	client, done, err := c.dial()
	if err != nil {
		return err
	}
	defer done()
	ctx, cancel := callCtx()
	defer cancel()

	view, err := client.GetEscrow(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(view)
}

func runList(args []string) error {
	c := newFlags("list", false)
	var maker addressFlag
	c.fs.Var(&maker, "maker", "only escrows of this maker")
	status := c.fs.String("status", "", "open, taken or refunded")
	limit := c.fs.Int("limit", 0, "maximum rows")
	c.fs.Parse(args)

	req := &server.ListEscrowsRequest{Status: *status, Limit: *limit}
	if maker.set {
		req.Maker = &maker.addr
	}

	client, done, err := c.dial()
	if err != nil {
		return err
	}
	defer done()
	ctx, cancel := callCtx()
	defer cancel()

	resp, err := client.ListEscrows(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runBalances(args []string) error {
	c := newFlags("balances", false)
	var owner addressFlag
	c.fs.Var(&owner, "owner", "wallet, escrow or vault address")
	projected := c.fs.Bool("projected", false, "read the Postgres projection instead of live state")
	c.fs.Parse(args)
	if !owner.set {
		return errors.New("--owner is required")
	}

	client, done, err := c.dial()
	if err != nil {
		return err
	}
	defer done()
	ctx, cancel := callCtx()
	defer cancel()

	resp, err := client.GetBalances(ctx, &server.GetBalancesRequest{Owner: owner.addr, Projected: *projected})
	if err != nil {
		return err
	}
	return printJSON(resp)
}
