package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"torex/internal/event"
	"torex/internal/ledger"
	"torex/internal/observability"
	"torex/internal/observer"
	"torex/internal/torex"
)

var (
	ErrUnknownTorex = errors.New("unknown torex instance")
	ErrUnknownMover = errors.New("unknown liquidity mover")
	ErrUnknownPool  = errors.New("unknown benchmark pool")
)

// Engine is the single-threaded event processor hosting every Torex
// instance. Events flow through one pipeline: idempotency check, source
// sequence validation, typed dispatch into the owning instance, state-hash
// chaining, and emission to the persistence and projection channels.
//
// The engine never calls time.Now() for domain logic: every elapsed-time
// computation derives from versioned event timestamps.
type Engine struct {
	sequence int64
	hasher   *StateHasher

	instances map[string]*torex.Torex
	movers    map[string]torex.LiquidityMover
	chains    []*observer.PoolChain

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	replaying         bool
	metrics           *observability.Metrics
	ctrlErrSeen       map[string]uint64 // last exported controller error count
	log               zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one processed event, ready for persistence and projections.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
}

func NewEngine(
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		instances:         make(map[string]*torex.Torex),
		movers:            make(map[string]torex.LiquidityMover),
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		ctrlErrSeen:       make(map[string]uint64),
		log:               log.With().Str("component", "engine").Logger(),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// RegisterTorex adds an exchange instance. Instances are registered at
// startup, before any event flows.
func (e *Engine) RegisterTorex(t *torex.Torex) error {
	if _, exists := e.instances[t.ID()]; exists {
		return fmt.Errorf("torex %s already registered", t.ID())
	}
	e.instances[t.ID()] = t
	return nil
}

// RegisterMover exposes a named liquidity mover to movement requests.
func (e *Engine) RegisterMover(name string, m torex.LiquidityMover) {
	e.movers[name] = m
}

// RegisterPoolChain routes price ticks into the chain's hops.
func (e *Engine) RegisterPoolChain(chain *observer.PoolChain) {
	e.chains = append(e.chains, chain)
}

// Instance returns a registered Torex, or nil.
func (e *Engine) Instance(id string) *torex.Torex {
	return e.instances[id]
}

// Instances returns all registered instances in deterministic ID order.
func (e *Engine) Instances() []*torex.Torex {
	ids := make([]string, 0, len(e.instances))
	for id := range e.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*torex.Torex, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.instances[id])
	}
	return out
}

// ProcessEvent is the main processing pipeline.
func (e *Engine) ProcessEvent(ctx context.Context, evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: two-tier idempotency check. Replay skips the cold tier —
	// every replayed event is in the log already.
	var isDuplicate bool
	if e.replaying {
		isDuplicate = e.idempotency.IsDuplicateLRU(eventType, idempotencyKey)
	} else {
		isDuplicate = e.idempotency.IsDuplicate(eventType, idempotencyKey)
	}

	// Step 2: source-sequence validation. Price ticks tolerate gaps; flow
	// changes and movement requests do not.
	if tick, ok := evt.(*event.PriceTick); ok {
		if err := e.sequenceValidator.ValidatePriceSequence(tick.Pool, tick.PriceSequence); err != nil {
			return err
		}
	} else {
		partition := e.getPartition(evt)
		if err := e.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
			if e.metrics != nil {
				e.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
			}
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if e.metrics != nil {
			e.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: typed dispatch. The owning instance applies its batch to its
	// own balances before returning; the engine only chains and emits.
	instance, batch, err := e.dispatchEvent(ctx, evt)
	if err != nil {
		if e.metrics != nil {
			e.metrics.CoreEventsRejected.WithLabelValues(eventType, "dispatch").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4: state digest and hash chain.
	stateDigest := e.computeStateDigest(instance, batch)
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, stateDigest)

	envelope := &event.EventEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		TorexID:        evt.TorexID(),
		Timestamp:      e.getEventTimestamp(evt),
		SourceSequence: evt.SourceSequence(),
		Payload:        marshalEventPayload(evt, e.log),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		StateDelta: stateDigest,
	}
	e.sequence++

	// Step 5: emit. Persistence uses a blocking send (backpressure: the
	// core stalls rather than lose an event); projections use a
	// non-blocking send and rebuild from the log if they fall behind.
	// Replayed events are already persisted and projected — nothing to emit.
	if !e.replaying {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("all").Inc()
			}
		}
	}

	// Step 6: mark processed and record metrics.
	e.idempotency.MarkProcessed(eventType, idempotencyKey)
	e.recordMetrics(eventType, instance, batch, time.Since(start))

	return nil
}

func (e *Engine) dispatchEvent(ctx context.Context, evt event.Event) (*torex.Torex, *ledger.Batch, error) {
	switch ev := evt.(type) {
	case *event.FlowCreated:
		if ev.GrossRate <= 0 {
			return nil, nil, fmt.Errorf("flow create with non-positive rate %d", ev.GrossRate)
		}
		t, err := e.instanceFor(ev.Torex)
		if err != nil {
			return nil, nil, err
		}
		batch, err := t.OnFlowChanged(ctx, ev.IdempotencyKey(), e.sequence, ev.Trader, ev.GrossRate, ev.Timestamp.Unix(), ev.UserData)
		return t, batch, err

	case *event.FlowUpdated:
		if ev.GrossRate <= 0 {
			return nil, nil, fmt.Errorf("flow update with non-positive rate %d", ev.GrossRate)
		}
		t, err := e.instanceFor(ev.Torex)
		if err != nil {
			return nil, nil, err
		}
		batch, err := t.OnFlowChanged(ctx, ev.IdempotencyKey(), e.sequence, ev.Trader, ev.GrossRate, ev.Timestamp.Unix(), ev.UserData)
		return t, batch, err

	case *event.FlowDeleted:
		t, err := e.instanceFor(ev.Torex)
		if err != nil {
			return nil, nil, err
		}
		batch, err := t.OnFlowChanged(ctx, ev.IdempotencyKey(), e.sequence, ev.Trader, 0, ev.Timestamp.Unix(), ev.UserData)
		return t, batch, err

	case *event.PriceTick:
		return nil, nil, e.handlePriceTick(ev)

	case *event.LiquidityMoveRequested:
		t, err := e.instanceFor(ev.Torex)
		if err != nil {
			return nil, nil, err
		}
		mover, ok := e.movers[ev.Mover]
		if !ok {
			return nil, nil, fmt.Errorf("mover %q: %w", ev.Mover, ErrUnknownMover)
		}
		batch, result, err := t.MoveLiquidity(ctx, ev.IdempotencyKey(), e.sequence, mover, ev.UserData, ev.Timestamp.Unix())
		if err != nil {
			if e.metrics != nil {
				e.metrics.MovementsAborted.WithLabelValues(t.ID(), abortReason(err)).Inc()
			}
			return nil, nil, err
		}
		if e.metrics != nil {
			e.metrics.MovementsExecuted.WithLabelValues(t.ID()).Inc()
			e.metrics.MovementInAmount.WithLabelValues(t.ID()).Add(float64(result.InAmount))
			e.metrics.MovementOutAmount.WithLabelValues(t.ID()).Add(float64(result.OutAmount))
		}
		return t, batch, nil

	default:
		return nil, nil, fmt.Errorf("unhandled event type: %T", evt)
	}
}

func (e *Engine) instanceFor(id string) (*torex.Torex, error) {
	t, ok := e.instances[id]
	if !ok {
		return nil, fmt.Errorf("torex %q: %w", id, ErrUnknownTorex)
	}
	return t, nil
}

// handlePriceTick routes a tick into every chain carrying the pool. Ticks
// produce no journals; the envelope alone lands in the event log.
func (e *Engine) handlePriceTick(tick *event.PriceTick) error {
	matched := false
	for _, chain := range e.chains {
		hop := chain.Hop(tick.Pool)
		if hop == nil {
			continue
		}
		matched = true
		if err := hop.SetPrice(tick.Price, tick.PriceTimestamp/1_000_000); err != nil {
			return fmt.Errorf("pool %s: %w", tick.Pool, err)
		}
	}
	if !matched {
		return fmt.Errorf("pool %q: %w", tick.Pool, ErrUnknownPool)
	}
	return nil
}

func abortReason(err error) string {
	switch {
	case errors.Is(err, torex.ErrInsufficientProceeds):
		return "insufficient_proceeds"
	case errors.Is(err, torex.ErrZeroDurationMove):
		return "zero_duration"
	case errors.Is(err, torex.ErrMoveInProgress):
		return "reentrant"
	default:
		return "other"
	}
}

// getPartition determines the sequence-validation partition.
func (e *Engine) getPartition(evt event.Event) string {
	switch ev := evt.(type) {
	case *event.FlowCreated:
		return fmt.Sprintf("flow:%s:%s", ev.Torex, ev.Trader)
	case *event.FlowUpdated:
		return fmt.Sprintf("flow:%s:%s", ev.Torex, ev.Trader)
	case *event.FlowDeleted:
		return fmt.Sprintf("flow:%s:%s", ev.Torex, ev.Trader)
	case *event.LiquidityMoveRequested:
		return fmt.Sprintf("move:%s", ev.Torex)
	default:
		return "global"
	}
}

// getEventTimestamp extracts the versioned timestamp. The core must never
// substitute wall-clock time here.
func (e *Engine) getEventTimestamp(evt event.Event) time.Time {
	switch ev := evt.(type) {
	case *event.FlowCreated:
		return ev.Timestamp
	case *event.FlowUpdated:
		return ev.Timestamp
	case *event.FlowDeleted:
		return ev.Timestamp
	case *event.PriceTick:
		return time.UnixMicro(ev.PriceTimestamp)
	case *event.LiquidityMoveRequested:
		return ev.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: no versioned timestamp for event type %T", evt))
	}
}

// computeStateDigest builds canonical bytes over the accounts the batch
// touched, read back from the owning instance's balances.
func (e *Engine) computeStateDigest(instance *torex.Torex, batch *ledger.Batch) []byte {
	if instance == nil || batch == nil {
		return nil
	}

	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, instance.Balances().GetBalance(key))
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56),
	)
}

func (e *Engine) recordMetrics(eventType string, instance *torex.Torex, batch *ledger.Batch, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	e.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
	e.metrics.CoreSequence.Set(float64(e.sequence))
	e.metrics.DedupLRUSize.Set(float64(e.idempotency.Size()))

	if batch != nil {
		for _, j := range batch.Journals {
			e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			switch j.JournalType {
			case ledger.JournalTypeBackAdjustCharge:
				e.metrics.BackAdjustments.WithLabelValues(instance.ID(), "charge").Inc()
			case ledger.JournalTypeBackAdjustRefund:
				e.metrics.BackAdjustments.WithLabelValues(instance.ID(), "refund").Inc()
			}
		}
	}

	if instance != nil {
		cfg := instance.Config()
		e.metrics.ActiveTraders.WithLabelValues(instance.ID()).Set(float64(instance.ActiveTraders()))
		e.metrics.TotalGrossFlowRate.WithLabelValues(instance.ID()).Set(float64(instance.TotalGrossRate()))
		if now := instance.ControllerErrorCount(); now > e.ctrlErrSeen[instance.ID()] {
			e.metrics.ControllerErrors.WithLabelValues(instance.ID()).Add(float64(now - e.ctrlErrSeen[instance.ID()]))
			e.ctrlErrSeen[instance.ID()] = now
		}
		e.metrics.ControllerStranded.WithLabelValues(instance.ID()).Set(float64(instance.StrandedControllerCalls()))
		if inID, ok := ledger.GetAssetID(cfg.InAsset); ok {
			e.metrics.VaultInBalance.WithLabelValues(instance.ID()).Set(float64(instance.Balances().VaultInBalance(inID)))
			e.metrics.FeeBufferBalance.WithLabelValues(instance.ID()).Set(float64(instance.Balances().FeeBufferBalance(inID)))
		}
	}
}

// GetSequence returns the next global sequence to assign.
func (e *Engine) GetSequence() int64 {
	return e.sequence
}

// GetStateHash returns the state-hash chain tip.
func (e *Engine) GetStateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

// WarmLRU preloads recent idempotency keys after restart.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.WarmFromKeys(keys)
}

// SetReplayMode toggles log replay. In replay mode the engine dedups against
// the in-memory tier only and suppresses output emission, so replaying the
// event log rebuilds state without re-persisting or re-publishing.
func (e *Engine) SetReplayMode(on bool) {
	e.replaying = on
}

// marshalEventPayload serializes the typed event for the event log, so the
// log alone is enough to replay state after a restart.
func marshalEventPayload(evt event.Event, log zerolog.Logger) []byte {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("event_type", evt.EventType().String()).Msg("marshal event payload")
		return []byte("{}")
	}
	return data
}
