package core

import (
	"EscrowLedger/internal/authority"
	"EscrowLedger/internal/escrow"
	"EscrowLedger/internal/event"
	"EscrowLedger/internal/ledger"
	"EscrowLedger/internal/observability"
	"EscrowLedger/internal/signature"
	"EscrowLedger/internal/state"
	"EscrowLedger/internal/token"
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"
)

// PayloadEncoder renders an event in the wire form stored in the event log.
// Replay parses it back with the matching decoder.
type PayloadEncoder func(evt event.Event) ([]byte, error)

// Options wires the core to its collaborators.
type Options struct {
	StartSequence int64
	ProgramID     ledger.Address
	NativeAsset   ledger.AssetID
	Assets        *ledger.AssetRegistry
	Reserves      state.ReserveSchedule
	Deriver       authority.Deriver
	Verifier      signature.Verifier
	Encoder       PayloadEncoder
	LRUCapacity   int
	DBChecker     DBIdempotencyChecker
	Metrics       *observability.Metrics
}

// DeterministicCore is the single-threaded event processor. It owns every
// balance and account; nothing else may touch them. Use a Sequencer to share
// it between goroutines.
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	accounts          *state.AccountStore
	validator         *ledger.InvariantValidator
	assets            *ledger.AssetRegistry
	program           *escrow.Program
	verifier          signature.Verifier
	encoder           PayloadEncoder
	reserves          state.ReserveSchedule
	nativeAsset       ledger.AssetID
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	replaying bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need to persist, project and
// publish one applied event.
type CoreOutput struct {
	Envelope       *event.EventEnvelope
	Batch          *ledger.Batch
	AccountChanges []state.AccountChange
	Receipt        *escrow.Receipt
	StateDelta     []byte
}

// Result is the synchronous outcome returned to the submitter.
type Result struct {
	Sequence  int64
	Duplicate bool
	Receipt   *escrow.Receipt
	StateHash [32]byte
}

func NewDeterministicCore(opts Options, persistChan, projectionChan chan<- CoreOutput) *DeterministicCore {
	balanceTracker := ledger.NewBalanceTracker()
	if opts.Deriver == nil {
		opts.Deriver = authority.KeccakDeriver{}
	}
	if opts.Verifier == nil {
		opts.Verifier = signature.Secp256k1Verifier{}
	}
	if opts.LRUCapacity <= 0 {
		opts.LRUCapacity = 1_000_000
	}

	return &DeterministicCore{
		sequence:          opts.StartSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		accounts:          state.NewAccountStore(),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		assets:            opts.Assets,
		program:           escrow.NewProgram(opts.ProgramID, opts.Deriver, token.NewProgram(opts.Assets), opts.Assets),
		verifier:          opts.Verifier,
		encoder:           opts.Encoder,
		reserves:          opts.Reserves,
		nativeAsset:       opts.NativeAsset,
		idempotency:       NewIdempotencyChecker(opts.LRUCapacity, opts.DBChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           opts.Metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent is the main processing pipeline. On error nothing has changed:
// balances, accounts, sequence, hash chain and partitions are untouched.
func (c *DeterministicCore) ProcessEvent(evt event.Event) (*Result, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	partition := evt.Partition()
	_, isInstruction := evt.(event.Instruction)

	// Step 1: Idempotency check (two-tier)
	mode := DedupFailOpen
	switch {
	case c.replaying:
		mode = DedupMemoryOnly
	case isInstruction:
		mode = DedupFailClosed
	}
	isDuplicate, err := c.idempotency.IsDuplicate(eventType, idempotencyKey, mode)
	if err != nil {
		c.reject(eventType, "dedup_unavailable")
		return nil, err
	}

	// Step 2: Sequence validation (ordered feeds only)
	if partition != "" {
		if err := c.sequenceValidator.Check(partition, evt.SourceSequence(), isDuplicate); err != nil {
			c.recordSequenceError(partition, err)
			c.reject(eventType, "sequence")
			return nil, fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		return &Result{Sequence: -1, Duplicate: true}, nil
	}

	// Step 3: Authorization
	if ins, ok := evt.(event.Instruction); ok {
		if err := c.verify(ins); err != nil {
			if c.metrics != nil {
				c.metrics.SignatureFailures.Inc()
			}
			c.reject(eventType, escrow.KindAuthorization.String())
			return nil, err
		}
	}

	var payload []byte
	if c.encoder != nil {
		if payload, err = c.encoder(evt); err != nil {
			c.reject(eventType, "encode")
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	// Step 4: Stage the event
	ts := evt.EventTime()
	eventRef := fmt.Sprintf("%s:%s", eventType, idempotencyKey)
	lt := ledger.NewTxn(c.balanceTracker, eventRef, c.sequence, ts.UnixMicro())
	txn := state.NewTxn(c.accounts, lt, c.reserves, c.nativeAsset, c.sequence)

	receipt, err := c.dispatchEvent(txn, evt)
	if err != nil {
		c.reject(eventType, escrow.Classify(err).String())
		return nil, fmt.Errorf("%s rejected: %w", eventType, err)
	}

	// Step 5: Commit
	batch := lt.Batch()
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply validated batch: %v", err))
		}
	}
	txn.Commit()
	changes := txn.Changes()

	if partition != "" {
		c.sequenceValidator.Advance(partition, evt.SourceSequence())
	}

	// Step 6: Post-checks
	if err := c.postCheckInvariants(batch, changes); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 7: Hash chain
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(batch, changes)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, evt.EventType(), idempotencyKey, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Partition:      partition,
		Timestamp:      ts,
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	// Step 8: Emit outputs. Replayed events are already in the log.
	if !c.replaying {
		output := CoreOutput{
			Envelope:       envelope,
			Batch:          batch,
			AccountChanges: changes,
			Receipt:        receipt,
			StateDelta:     stateDigest,
		}

		// Persistence: blocking send, the core stalls until the persistence
		// worker drains. No event is lost.
		if c.persistChan != nil {
			select {
			case c.persistChan <- output:
			default:
				if c.metrics != nil {
					c.metrics.PersistBackpressure.Inc()
				}
				c.persistChan <- output
			}
		}

		// Projections: non-blocking send, drop on full. Projection workers
		// rebuild from the event log if they fall behind.
		if c.projectionChan != nil {
			select {
			case c.projectionChan <- output:
			default:
				if c.metrics != nil {
					c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
				}
			}
		}
	}

	// Step 9: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	result := &Result{Sequence: c.sequence, Receipt: receipt, StateHash: stateHash}
	c.sequence++

	c.recordApplied(eventType, batch, receipt, start)
	return result, nil
}

// Replay re-applies an event read back from the log. It skips the durable
// dedup tier and emits nothing.
func (c *DeterministicCore) Replay(evt event.Event) (*Result, error) {
	c.replaying = true
	defer func() { c.replaying = false }()
	return c.ProcessEvent(evt)
}

func (c *DeterministicCore) verify(ins event.Instruction) error {
	if ins.ProgramID() != c.program.ID() {
		return fmt.Errorf("%s %s: %w: %s", ins.EventType(), ins.IdempotencyKey(), escrow.ErrWrongProgram, ins.ProgramID())
	}
	digest, err := ins.SigningDigest()
	if err != nil {
		return err
	}
	if err := c.verifier.Verify(ins.Signer(), digest, ins.Signature()); err != nil {
		return fmt.Errorf("%s %s: %w", ins.EventType(), ins.IdempotencyKey(), err)
	}
	return nil
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) recordSequenceError(partition string, err error) {
	if c.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, ErrSequenceGap):
		c.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	case errors.Is(err, ErrOutOfOrder):
		c.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
	}
}

func (c *DeterministicCore) recordApplied(eventType string, batch *ledger.Batch, receipt *escrow.Receipt, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
	for _, j := range batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	if receipt != nil {
		switch receipt.Kind {
		case escrow.ReceiptMake:
			c.metrics.EscrowsOpened.Inc()
			c.metrics.EscrowsOpen.Inc()
			c.metrics.ReserveLocked.Add(float64(receipt.ReserveLocked))
		case escrow.ReceiptTake:
			c.metrics.EscrowsSettled.WithLabelValues("taken").Inc()
			c.metrics.EscrowsOpen.Dec()
			c.metrics.ReserveLocked.Sub(float64(receipt.ReserveReturned))
		case escrow.ReceiptRefund:
			c.metrics.EscrowsSettled.WithLabelValues("refunded").Inc()
			c.metrics.EscrowsOpen.Dec()
			c.metrics.ReserveLocked.Sub(float64(receipt.ReserveReturned))
		}
	}
}

// computeStateDigest creates canonical bytes for the state hash: every
// affected balance followed by every account lifecycle change.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, changes []state.AccountChange) []byte {
	accounts := batch.AffectedAccounts()

	// Sort by AccountPath (deterministic string ordering)
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+len(changes)*80)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, c.balanceTracker.GetBalance(key))
	}

	sorted := make([]state.AccountChange, len(changes))
	copy(sorted, changes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Account.Address[:], sorted[j].Account.Address[:]) < 0
	})
	for _, ch := range sorted {
		digest = append(digest, byte(ch.Op), byte(ch.Account.Kind))
		digest = append(digest, ch.Account.Address[:]...)
		digest = appendInt64LE(digest, ch.Account.Reserve)
		digest = appendInt64LE(digest, int64(len(ch.Account.Data)))
		digest = append(digest, ch.Account.Data...)
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after batch application
func (c *DeterministicCore) postCheckInvariants(batch *ledger.Batch, changes []state.AccountChange) error {
	if err := c.validator.ValidateAffectedNonNegative(batch); err != nil {
		return err
	}
	for _, ch := range changes {
		acc := ch.Account
		switch ch.Op {
		case state.ChangeClosed:
			if _, ok := c.accounts.Get(acc.Address); ok {
				return fmt.Errorf("closed account %s still present", acc.Address)
			}
			if bal := c.balanceTracker.GetBalance(ledger.NewReserveKey(acc.Address, c.nativeAsset)); bal != 0 {
				return fmt.Errorf("closed account %s keeps reserve %d", acc.Address, bal)
			}
			if acc.Kind == state.AccountKindVault {
				if bal := c.balanceTracker.GetBalance(ledger.NewVaultKey(acc.Address, acc.Asset)); bal != 0 {
					return fmt.Errorf("closed vault %s keeps balance %d", acc.Address, bal)
				}
			}
		case state.ChangeCreated:
			if acc.Kind == state.AccountKindEscrow {
				if _, err := c.escrowFor(acc); err != nil {
					return fmt.Errorf("new escrow %s: %w", acc.Address, err)
				}
			}
		}
	}
	return nil
}

func (c *DeterministicCore) escrowFor(acc *state.Account) (*escrow.Loaded, error) {
	rec, err := state.DecodeEscrowRecord(acc.Data)
	if err != nil {
		return nil, err
	}
	return c.program.Lookup(c.accounts, c.balanceTracker, rec.Maker, rec.Seed)
}

// --- Read access (core goroutine only) ---

// GetSequence returns the next sequence number to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

func (c *DeterministicCore) Program() *escrow.Program {
	return c.program
}

func (c *DeterministicCore) Accounts() *state.AccountStore {
	return c.accounts
}

func (c *DeterministicCore) Balances() *ledger.BalanceTracker {
	return c.balanceTracker
}

func (c *DeterministicCore) NativeAsset() ledger.AssetID {
	return c.nativeAsset
}

// EscrowAt resolves the live escrow whose record is stored at addr.
func (c *DeterministicCore) EscrowAt(addr ledger.Address) (*escrow.Loaded, error) {
	acc, ok := c.accounts.Get(addr)
	if !ok || acc.Kind != state.AccountKindEscrow {
		return nil, fmt.Errorf("%w: %s", escrow.ErrEscrowNotFound, addr)
	}
	return c.escrowFor(acc)
}
