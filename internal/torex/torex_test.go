package torex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"torex/internal/controller"
	"torex/internal/ledger"
	"torex/internal/torexmath"
)

const testEpoch int64 = 1_700_000_000

func mustAssetID(t *testing.T, symbol string) ledger.AssetID {
	t.Helper()
	id, ok := ledger.GetAssetID(symbol)
	if !ok {
		t.Fatalf("asset %s not registered", symbol)
	}
	return id
}

func feesAccountKey(assetID ledger.AssetID) ledger.AccountKey {
	return ledger.NewSystemAccountKey(ledger.SubTypeFees, assetID)
}

// stubObserver quotes a constant price ratio and tracks its checkpoint.
type stubObserver struct {
	lastCheckpoint int64
	priceNum       int64
	priceDen       int64
}

func (o *stubObserver) CreateCheckpoint(now int64) error {
	if now < o.lastCheckpoint {
		return errors.New("checkpoint moved backward")
	}
	o.lastCheckpoint = now
	return nil
}

func (o *stubObserver) DurationSince(now int64) int64 {
	return now - o.lastCheckpoint
}

func (o *stubObserver) TwapSince(now int64, inAmount int64) (int64, int64, error) {
	return inAmount * o.priceNum / o.priceDen, now - o.lastCheckpoint, nil
}

// depositMover deposits a fixed amount, or exactly the floor when amount < 0.
type depositMover struct {
	amount int64
	calls  int
}

func (m *depositMover) MoveLiquidity(_ context.Context, req MoveRequest, sink ProceedsSink) error {
	m.calls++
	amount := m.amount
	if amount < 0 {
		amount = req.MinOutAmount
	}
	return sink.Deposit(amount)
}

type failingController struct {
	err error
}

func (c failingController) OnFlowChanged(context.Context, controller.FlowChange) (int64, error) {
	return 0, c.err
}
func (c failingController) OnLiquidityMoved(context.Context, controller.MoveResult) error {
	return c.err
}

type panickyController struct{}

func (panickyController) OnFlowChanged(context.Context, controller.FlowChange) (int64, error) {
	panic("rogue")
}
func (panickyController) OnLiquidityMoved(context.Context, controller.MoveResult) error {
	panic("rogue")
}

// greedyController demands double the gross rate as its fee.
type greedyController struct{}

func (greedyController) OnFlowChanged(_ context.Context, c controller.FlowChange) (int64, error) {
	return c.NewRate * 2, nil
}
func (greedyController) OnLiquidityMoved(context.Context, controller.MoveResult) error { return nil }

func newTestTorex(t *testing.T, ctrl controller.Controller, maxFeePM, bufferPeriod int64) (*Torex, *stubObserver) {
	t.Helper()

	obs := &stubObserver{lastCheckpoint: testEpoch, priceNum: 2, priceDen: 1}
	discount, err := torexmath.NewDiscountFactor(7*24*3600, 5_000)
	if err != nil {
		t.Fatalf("discount factor: %v", err)
	}

	tx, err := NewTorex(Config{
		ID:               "usdcx-ethx",
		InAsset:          "USDCx",
		OutAsset:         "ETHx",
		Observer:         obs,
		TwapScaler:       1,
		Discount:         discount,
		OutPoolScaler:    1,
		FeePoolScaler:    1,
		Controller:       ctrl,
		ControllerBudget: 200 * time.Millisecond,
		MaxAllowedFeePM:  maxFeePM,
		FeeBufferPeriod:  bufferPeriod,
		CreatedAt:        testEpoch,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTorex: %v", err)
	}
	return tx, obs
}

func setFlow(t *testing.T, tx *Torex, trader uuid.UUID, rate, now int64) {
	t.Helper()
	if _, err := tx.OnFlowChanged(context.Background(), uuid.NewString(), 0, trader, rate, now, nil); err != nil {
		t.Fatalf("OnFlowChanged(%s, rate=%d, now=%d): %v", trader, rate, now, err)
	}
}

// A stream deleted before any movement refunds the full contribution: net
// paid-in is zero, as if the stream had never existed.
func TestFlowDelete_FullRefundBeforeMovement(t *testing.T) {
	tx, _ := newTestTorex(t, controller.NopController{}, 0, 0)
	alice := uuid.New()

	start := testEpoch + 600
	setFlow(t, tx, alice, 1_000, start)
	setFlow(t, tx, alice, 0, start+86_400)

	inID := mustAssetID(t, tx.Config().InAsset)
	if paid := tx.Balances().TraderContribPaid(alice, inID); paid != 0 {
		t.Errorf("net paid-in after delete = %d, want 0", paid)
	}
	if v := tx.Balances().VaultInBalance(inID); v != 0 {
		t.Errorf("vault_in after full refund = %d, want 0", v)
	}
	if s := tx.TraderState(alice); s.GrossRate() != 0 {
		t.Errorf("trader still has rate %d after delete", s.GrossRate())
	}
	if u := tx.OutPool().MemberUnits(alice); u != 0 {
		t.Errorf("out pool units after delete = %d, want 0", u)
	}
}

// A late joiner is back-charged so the immediate unit grant is fair: two
// traders at equal final rates with only increases in between pay the same.
func TestBackAdjustment_FairnessAcrossInterleavings(t *testing.T) {
	tx, _ := newTestTorex(t, controller.NopController{}, 0, 0)
	alice := uuid.New()
	bob := uuid.New()

	setFlow(t, tx, alice, 500, testEpoch)

	// Bob arrives late and ramps up in two steps.
	setFlow(t, tx, bob, 200, testEpoch+600)
	setFlow(t, tx, bob, 500, testEpoch+1_200)

	// Settle both at the same instant by reasserting the current rate.
	end := testEpoch + 2_000
	setFlow(t, tx, alice, 500, end)
	setFlow(t, tx, bob, 500, end)

	inID := mustAssetID(t, tx.Config().InAsset)
	alicePaid := tx.Balances().TraderContribPaid(alice, inID)
	bobPaid := tx.Balances().TraderContribPaid(bob, inID)

	want := 500 * (end - testEpoch)
	if alicePaid != want {
		t.Errorf("alice paid %d, want %d", alicePaid, want)
	}
	if bobPaid != alicePaid {
		t.Errorf("bob paid %d, alice paid %d; increases-only interleavings must cost the same", bobPaid, alicePaid)
	}
	if au, bu := tx.OutPool().MemberUnits(alice), tx.OutPool().MemberUnits(bob); au != bu {
		t.Errorf("units diverge: alice %d, bob %d", au, bu)
	}
}

// Once a decrease occurs the equality deliberately weakens: the contribution
// portion still reconciles, but fees accrued at the higher rate stay paid.
func TestBackAdjustment_DecreaseKeepsFeesPaid(t *testing.T) {
	tx, _ := newTestTorex(t, controller.FlatFeeController{FeePM: 100_000}, 200_000, 0)
	alice := uuid.New()
	bob := uuid.New()

	setFlow(t, tx, alice, 1_000, testEpoch)
	setFlow(t, tx, bob, 1_000, testEpoch)

	// Bob doubles his rate for 500 seconds, then comes back down.
	setFlow(t, tx, bob, 2_000, testEpoch+500)
	setFlow(t, tx, bob, 1_000, testEpoch+1_000)

	end := testEpoch + 1_500
	setFlow(t, tx, alice, 1_000, end)
	setFlow(t, tx, bob, 1_000, end)

	inID := mustAssetID(t, tx.Config().InAsset)
	if a, b := tx.Balances().TraderContribPaid(alice, inID), tx.Balances().TraderContribPaid(bob, inID); a != b {
		t.Errorf("contribution portions must reconcile after decrease: alice %d, bob %d", a, b)
	}
	aliceFee := tx.Balances().TraderFeePaid(alice, inID)
	bobFee := tx.Balances().TraderFeePaid(bob, inID)
	if bobFee <= aliceFee {
		t.Errorf("bob's fees (%d) must exceed alice's (%d): fees are never refunded", bobFee, aliceFee)
	}
}

// Whatever the controller returns, the applied fee rate never exceeds the
// configured ceiling of the gross rate.
func TestRogueController_FeeClampedToCeiling(t *testing.T) {
	tx, _ := newTestTorex(t, greedyController{}, 200_000, 0)
	alice := uuid.New()

	setFlow(t, tx, alice, 1_000, testEpoch+10)

	s := tx.TraderState(alice)
	if s.FeeRate != 200 {
		t.Errorf("fee rate = %d, want ceiling 200", s.FeeRate)
	}
	if s.ContribRate != 800 {
		t.Errorf("contrib rate = %d, want 800", s.ContribRate)
	}
}

// Movement happy path: the mover takes the whole vault, meets the floor
// exactly, and proceeds distribute proportionally to contribution units with
// the rounding remainder retained in the out-vault.
func TestMoveLiquidity_DistributesProceeds(t *testing.T) {
	tx, _ := newTestTorex(t, controller.NopController{}, 0, 0)
	alice := uuid.New()
	bob := uuid.New()

	setFlow(t, tx, alice, 300, testEpoch)
	setFlow(t, tx, bob, 100, testEpoch)

	moveAt := testEpoch + 3_600
	est, err := tx.EstimateMove(moveAt)
	if err != nil {
		t.Fatalf("EstimateMove: %v", err)
	}
	wantIn := int64(400 * 3_600)
	if est.InAmount != wantIn {
		t.Fatalf("estimated in-amount = %d, want %d", est.InAmount, wantIn)
	}
	if est.MinOutAmount <= 0 || est.MinOutAmount > est.TwapQuote {
		t.Fatalf("floor %d outside (0, quote=%d]", est.MinOutAmount, est.TwapQuote)
	}

	mover := &depositMover{amount: -1} // exactly the floor
	batch, result, err := tx.MoveLiquidity(context.Background(), uuid.NewString(), 1, mover, nil, moveAt)
	if err != nil {
		t.Fatalf("MoveLiquidity: %v", err)
	}
	if mover.calls != 1 {
		t.Fatalf("mover called %d times", mover.calls)
	}
	if result.InAmount != wantIn {
		t.Errorf("moved in-amount = %d, want %d", result.InAmount, wantIn)
	}
	if result.OutAmount != est.MinOutAmount {
		t.Errorf("out amount = %d, want floor %d", result.OutAmount, est.MinOutAmount)
	}
	if len(batch.Journals) == 0 {
		t.Error("movement batch has no journals")
	}

	inID := mustAssetID(t, tx.Config().InAsset)
	outID := mustAssetID(t, tx.Config().OutAsset)

	if v := tx.Balances().VaultInBalance(inID); v != 0 {
		t.Errorf("vault_in after movement = %d, want 0", v)
	}

	aliceOut := tx.OutPool().MemberBalance(alice)
	bobOut := tx.OutPool().MemberBalance(bob)
	if aliceOut+bobOut != result.ActualOutAmount {
		t.Errorf("member deltas %d+%d != distributed %d", aliceOut, bobOut, result.ActualOutAmount)
	}
	if bobOut != 0 && aliceOut/bobOut != 3 {
		t.Errorf("distribution ratio %d:%d, want 3:1", aliceOut, bobOut)
	}

	// Unit rounding remainder stays in the out-vault.
	if v := tx.Balances().VaultOutBalance(outID); v != result.OutAmount-result.ActualOutAmount {
		t.Errorf("vault_out = %d, want remainder %d", v, result.OutAmount-result.ActualOutAmount)
	}
	if tx.LastMoveAt() != moveAt {
		t.Errorf("last move at %d, want %d", tx.LastMoveAt(), moveAt)
	}
}

// A mover depositing one unit under the floor aborts the whole movement
// with nothing applied.
func TestMoveLiquidity_InsufficientProceedsAborts(t *testing.T) {
	tx, _ := newTestTorex(t, controller.NopController{}, 0, 0)
	alice := uuid.New()

	setFlow(t, tx, alice, 400, testEpoch)

	moveAt := testEpoch + 3_600
	est, err := tx.EstimateMove(moveAt)
	if err != nil {
		t.Fatalf("EstimateMove: %v", err)
	}

	mover := &depositMover{amount: est.MinOutAmount - 1}
	_, _, err = tx.MoveLiquidity(context.Background(), uuid.NewString(), 1, mover, nil, moveAt)
	if !errors.Is(err, ErrInsufficientProceeds) {
		t.Fatalf("err = %v, want ErrInsufficientProceeds", err)
	}

	inID := mustAssetID(t, tx.Config().InAsset)
	outID := mustAssetID(t, tx.Config().OutAsset)
	if v := tx.Balances().VaultInBalance(inID); v != 0 {
		t.Errorf("vault_in changed on aborted movement: %d", v)
	}
	if v := tx.Balances().VaultOutBalance(outID); v != 0 {
		t.Errorf("vault_out changed on aborted movement: %d", v)
	}
	if b := tx.OutPool().MemberBalance(alice); b != 0 {
		t.Errorf("distribution happened on aborted movement: %d", b)
	}
	if s := tx.TraderState(alice); s.SettledAt != testEpoch {
		t.Errorf("accrual watermark advanced on aborted movement: %d", s.SettledAt)
	}
	if tx.LastMoveAt() != testEpoch {
		t.Errorf("movement cycle advanced on aborted movement")
	}

	// The instance stays usable: the same movement succeeds with a mover
	// that meets the floor.
	if _, _, err := tx.MoveLiquidity(context.Background(), uuid.NewString(), 2, &depositMover{amount: -1}, nil, moveAt); err != nil {
		t.Fatalf("retry after abort: %v", err)
	}
}

// Two movements at the same logical instant would price against a degenerate
// zero-duration window; the second is rejected.
func TestMoveLiquidity_SameInstantRejected(t *testing.T) {
	tx, _ := newTestTorex(t, controller.NopController{}, 0, 0)
	setFlow(t, tx, uuid.New(), 400, testEpoch)

	moveAt := testEpoch + 3_600
	if _, _, err := tx.MoveLiquidity(context.Background(), uuid.NewString(), 1, &depositMover{amount: -1}, nil, moveAt); err != nil {
		t.Fatalf("first movement: %v", err)
	}
	_, _, err := tx.MoveLiquidity(context.Background(), uuid.NewString(), 2, &depositMover{amount: -1}, nil, moveAt)
	if !errors.Is(err, ErrZeroDurationMove) {
		t.Fatalf("err = %v, want ErrZeroDurationMove", err)
	}
}

// reentrantMover tries to trigger a second movement from inside its callback.
type reentrantMover struct {
	tx       *Torex
	innerErr error
}

func (m *reentrantMover) MoveLiquidity(ctx context.Context, req MoveRequest, sink ProceedsSink) error {
	_, _, m.innerErr = m.tx.MoveLiquidity(ctx, uuid.NewString(), 99, &depositMover{amount: -1}, nil, req.InAmount)
	return sink.Deposit(req.MinOutAmount)
}

func TestMoveLiquidity_ReentrancyGuard(t *testing.T) {
	tx, _ := newTestTorex(t, controller.NopController{}, 0, 0)
	setFlow(t, tx, uuid.New(), 400, testEpoch)

	mover := &reentrantMover{tx: tx}
	if _, _, err := tx.MoveLiquidity(context.Background(), uuid.NewString(), 1, mover, nil, testEpoch+3_600); err != nil {
		t.Fatalf("outer movement: %v", err)
	}
	if !errors.Is(mover.innerErr, ErrMoveInProgress) {
		t.Errorf("inner err = %v, want ErrMoveInProgress", mover.innerErr)
	}
}

// Controller failures on the create/update path abort the operation with no
// state change.
func TestFlowChange_ControllerErrorAbortsCreate(t *testing.T) {
	tx, _ := newTestTorex(t, failingController{err: errors.New("nope")}, 0, 0)
	alice := uuid.New()

	_, err := tx.OnFlowChanged(context.Background(), uuid.NewString(), 0, alice, 1_000, testEpoch+10, nil)
	if err == nil {
		t.Fatal("expected controller error to propagate")
	}
	if s := tx.TraderState(alice); s.GrossRate() != 0 {
		t.Errorf("state persisted past aborted create: rate %d", s.GrossRate())
	}
	if tx.ControllerErrorCount() != 0 {
		t.Errorf("hard failures must not count as contained: %d", tx.ControllerErrorCount())
	}
}

// Controller failures on the deletion path are contained: the stream is
// removed anyway and the error counter advances.
func TestFlowDelete_ControllerFailureContained(t *testing.T) {
	tx, _ := newTestTorex(t, controller.NopController{}, 0, 0)
	alice := uuid.New()
	setFlow(t, tx, alice, 1_000, testEpoch)

	tx.cfg.Controller = panickyController{}
	if _, err := tx.OnFlowChanged(context.Background(), uuid.NewString(), 1, alice, 0, testEpoch+100, nil); err != nil {
		t.Fatalf("deletion must survive controller panic: %v", err)
	}
	if s := tx.TraderState(alice); s.GrossRate() != 0 {
		t.Errorf("stream survived deletion: rate %d", s.GrossRate())
	}
	if tx.ControllerErrorCount() != 1 {
		t.Errorf("controller errors = %d, want 1", tx.ControllerErrorCount())
	}
}

func TestFlowChange_RejectsStaleAndNegative(t *testing.T) {
	tx, _ := newTestTorex(t, controller.NopController{}, 0, 0)
	alice := uuid.New()
	setFlow(t, tx, alice, 1_000, testEpoch+500)

	_, err := tx.OnFlowChanged(context.Background(), uuid.NewString(), 1, alice, 2_000, testEpoch+100, nil)
	if !errors.Is(err, ErrStaleTimestamp) {
		t.Errorf("err = %v, want ErrStaleTimestamp", err)
	}
	_, err = tx.OnFlowChanged(context.Background(), uuid.NewString(), 2, alice, -1, testEpoch+600, nil)
	if !errors.Is(err, ErrNegativeFlowRate) {
		t.Errorf("err = %v, want ErrNegativeFlowRate", err)
	}
}

// The fee buffer is reserved from the trader on fee-rate increase and
// released to the instance fee account, never back to the trader.
func TestFeeBuffer_ReserveAndRelease(t *testing.T) {
	tx, _ := newTestTorex(t, controller.FlatFeeController{FeePM: 100_000}, 200_000, 3_600)
	alice := uuid.New()
	inID := mustAssetID(t, "USDCx")

	setFlow(t, tx, alice, 1_000, testEpoch)

	// fee rate 100/s, buffer = 100 * 3600
	if b := tx.Balances().FeeBufferBalance(inID); b != 360_000 {
		t.Fatalf("buffer after create = %d, want 360000", b)
	}
	acc := tx.FeeAccumulator()
	if acc.FeeDistRate != 100 || acc.Buffer != 360_000 {
		t.Fatalf("accumulator = (%d, %d), want (100, 360000)", acc.FeeDistRate, acc.Buffer)
	}

	feePaidBefore := tx.Balances().TraderFeePaid(alice, inID)
	setFlow(t, tx, alice, 0, testEpoch+1_000)

	if b := tx.Balances().FeeBufferBalance(inID); b != 0 {
		t.Errorf("buffer after delete = %d, want 0", b)
	}
	feesAcct := tx.Balances().GetBalance(feesAccountKey(inID))
	if feesAcct != 360_000 {
		t.Errorf("released buffer must land in the fee account: %d, want 360000", feesAcct)
	}
	// 1000s of fee accrual at 100/s; the buffer itself is not refunded.
	feePaid := tx.Balances().TraderFeePaid(alice, inID)
	if feePaid-feePaidBefore != 100_000 {
		t.Errorf("fee paid delta = %d, want accrual 100000", feePaid-feePaidBefore)
	}
}

func TestEstimateApproval_CoversWorstCase(t *testing.T) {
	tx, _ := newTestTorex(t, controller.FlatFeeController{FeePM: 100_000}, 200_000, 3_600)
	alice := uuid.New()

	now := testEpoch + 1_000
	required, err := tx.EstimateApproval(alice, 1_000, now)
	if err != nil {
		t.Fatalf("EstimateApproval: %v", err)
	}
	// Ceiling fee 200/s: back-charges 1000s of contrib (800) and fee (200)
	// plus the buffer reserve 200*3600.
	want := int64(800*1_000 + 200*1_000 + 200*3_600)
	if required != want {
		t.Errorf("required = %d, want %d", required, want)
	}

	if _, err := tx.EstimateApproval(alice, -5, now); !errors.Is(err, ErrNegativeFlowRate) {
		t.Errorf("err = %v, want ErrNegativeFlowRate", err)
	}
}

// Every applied batch keeps the ledger zero-sum per asset.
func TestLedgerStaysZeroSum(t *testing.T) {
	tx, _ := newTestTorex(t, controller.FlatFeeController{FeePM: 50_000}, 100_000, 600)
	alice := uuid.New()
	bob := uuid.New()

	setFlow(t, tx, alice, 700, testEpoch)
	setFlow(t, tx, bob, 300, testEpoch+100)
	setFlow(t, tx, alice, 1_200, testEpoch+900)

	if _, _, err := tx.MoveLiquidity(context.Background(), uuid.NewString(), 10, &depositMover{amount: -1}, nil, testEpoch+3_600); err != nil {
		t.Fatalf("MoveLiquidity: %v", err)
	}
	setFlow(t, tx, bob, 0, testEpoch+4_000)

	for assetID, total := range tx.Balances().ComputeGlobalBalance() {
		if total != 0 {
			t.Errorf("asset %d not zero-sum: %d", assetID, total)
		}
	}
}
