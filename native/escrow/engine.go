package escrow

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/kellymusk/Aframp-backend/core/events"
	"github.com/kellymusk/Aframp-backend/core/types"
	"github.com/kellymusk/Aframp-backend/native/common"
)

type engineState interface {
	GovernanceGet() (*Governance, bool, error)
	GovernancePut(*Governance) error
	OrderGet(id uint64) (*Order, bool, error)
	OrderPut(*Order) error
	UserOrdersAppend(addr [20]byte, id uint64) error
	UserOrders(addr [20]byte) ([]uint64, error)
	OrderCustodyCredit(id uint64, asset string, amt *big.Int) error
	OrderCustodyDebit(id uint64, asset string, amt *big.Int) error
	OrderCustodyBalance(id uint64) (*big.Int, error)
	EscrowVaultAddress(asset string) ([20]byte, error)
}

// Ledger is the value transfer primitive driven at lock and settlement
// points. Implementations must apply each transfer atomically and fail
// closed; the engine performs no retries.
type Ledger interface {
	Transfer(asset string, from, to [20]byte, amount *big.Int) error
}

// AuthOracle proves control of a principal for the current call. The engine
// never authenticates principals itself; it consults the oracle before any
// principal-gated mutation.
type AuthOracle interface {
	RequireAuth(principal [20]byte) error
}

type orderEvent struct {
	evt *types.Event
}

func (e orderEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e orderEvent) Event() *types.Event { return e.evt }

// Engine wires the order lifecycle, custody and governance logic with
// external state, the asset ledger and event emitters. All amounts are
// big.Int and all timestamps are uint64 logical-clock seconds.
type Engine struct {
	state   engineState
	ledger  Ledger
	auth    AuthOracle
	emitter events.Emitter
	logger  *slog.Logger
	nowFn   func() uint64
}

// NewEngine creates a settlement engine with a no-op emitter. Callers
// configure the state backend, ledger and auth oracle via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger configures the value transfer primitive.
func (e *Engine) SetLedger(ledger Ledger) { e.ledger = ledger }

// SetAuth configures the authorization oracle consulted before gated
// mutations.
func (e *Engine) SetAuth(auth AuthOracle) { e.auth = auth }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() uint64) {
	if now == nil {
		e.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger configures the logger used for non-fatal settlement anomalies.
func (e *Engine) SetLogger(logger *slog.Logger) { e.logger = logger }

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(orderEvent{evt: event})
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return e.nowFn()
}

func (e *Engine) log() *slog.Logger {
	if e == nil || e.logger == nil {
		return slog.Default()
	}
	return e.logger
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// governancePauses adapts the stored governance record to the shared pause
// guard. A missing or unreadable record reads as unpaused; the operation
// fails later on its own terms.
type governancePauses struct {
	state engineState
}

func (p governancePauses) IsPaused(module string) bool {
	if p.state == nil || module != common.ModuleOrders {
		return false
	}
	gov, ok, err := p.state.GovernanceGet()
	if err != nil || !ok {
		return false
	}
	return gov.Paused
}

func (e *Engine) guardPaused() error {
	if err := common.Guard(governancePauses{state: e.state}, common.ModuleOrders); err != nil {
		return ErrContractPaused
	}
	return nil
}

func (e *Engine) requireAuth(principal [20]byte) error {
	if e == nil || e.auth == nil {
		return errNilAuth
	}
	if err := e.auth.RequireAuth(principal); err != nil {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) loadOrder(id uint64) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	order, ok, err := e.state.OrderGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (e *Engine) storeOrder(o *Order) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.OrderPut(o)
}

func (e *Engine) transfer(asset string, from, to [20]byte, amount *big.Int) error {
	if e == nil || e.ledger == nil {
		return errNilLedger
	}
	if err := e.ledger.Transfer(asset, from, to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

// CreateOrder lists a new sell order. No funds move at creation; custody
// begins when a buyer accepts. The identifier is taken from the governance
// order counter, which never reissues a value.
func (e *Engine) CreateOrder(seller [20]byte, asset string, amount *big.Int, fiatCurrency string, fiatAmount, rate *big.Int, expiresAt uint64, paymentMethod string) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := e.requireAuth(seller); err != nil {
		return nil, err
	}
	gov, err := e.loadGovernance()
	if err != nil {
		return nil, err
	}
	if err := e.guardPaused(); err != nil {
		return nil, err
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return nil, err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: amount must be positive")
	}
	now := e.now()
	if expiresAt <= now {
		return nil, fmt.Errorf("escrow: expiry must be after creation time")
	}
	id := gov.OrderCount + 1
	order := &Order{
		ID:            id,
		Seller:        seller,
		Asset:         normalized,
		Amount:        amt,
		FiatCurrency:  strings.ToUpper(strings.TrimSpace(fiatCurrency)),
		FiatAmount:    cloneBigInt(fiatAmount),
		Rate:          cloneBigInt(rate),
		Status:        StatusOpen,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
		PaymentMethod: strings.TrimSpace(paymentMethod),
	}
	gov.OrderCount = id
	if err := e.state.GovernancePut(gov); err != nil {
		return nil, err
	}
	if err := e.storeOrder(order); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(order))
	return order.Clone(), nil
}

// Accept locks an open order into escrow: the buyer is recorded, the seller's
// asset moves into the module vault and the order becomes Locked. A failed
// lock aborts the whole call with no state change.
func (e *Engine) Accept(id uint64, buyer [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireAuth(buyer); err != nil {
		return err
	}
	if err := e.guardPaused(); err != nil {
		return err
	}
	order, err := e.loadOrder(id)
	if err != nil {
		return err
	}
	if err := e.validateAcceptance(order, buyer); err != nil {
		return err
	}
	vault, err := e.state.EscrowVaultAddress(order.Asset)
	if err != nil {
		return err
	}
	if err := e.transfer(order.Asset, order.Seller, vault, order.Amount); err != nil {
		return err
	}
	if err := e.state.OrderCustodyCredit(order.ID, order.Asset, order.Amount); err != nil {
		return err
	}
	order.Buyer = buyer
	order.Status = StatusLocked
	if err := e.storeOrder(order); err != nil {
		return err
	}
	if err := e.state.UserOrdersAppend(buyer, order.ID); err != nil {
		return err
	}
	e.emit(NewAcceptedEvent(order))
	return nil
}

func (e *Engine) validateAcceptance(order *Order, buyer [20]byte) error {
	if order.Status != StatusOpen {
		return ErrInvalidOrderStatus
	}
	if e.now() > order.ExpiresAt {
		return ErrOrderExpired
	}
	if buyer == order.Seller {
		return ErrCannotAcceptOwnOrder
	}
	return nil
}

// ConfirmPaymentSent records the buyer's claim that the fiat leg has been
// sent. Only the recorded buyer may confirm, and only from Locked.
func (e *Engine) ConfirmPaymentSent(id uint64, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireAuth(caller); err != nil {
		return err
	}
	if err := e.guardPaused(); err != nil {
		return err
	}
	order, err := e.loadOrder(id)
	if err != nil {
		return err
	}
	if order.Status != StatusLocked {
		return ErrInvalidOrderStatus
	}
	if caller != order.Buyer {
		return ErrUnauthorized
	}
	order.Status = StatusPaymentSent
	if err := e.storeOrder(order); err != nil {
		return err
	}
	e.emit(NewPaymentSentEvent(order))
	return nil
}

// Release settles the order in favour of the buyer after the seller confirms
// the fiat leg arrived. The escrowed amount is split between buyer payout and
// treasury fee; the transition is irrevocable.
func (e *Engine) Release(id uint64, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireAuth(caller); err != nil {
		return err
	}
	if err := e.guardPaused(); err != nil {
		return err
	}
	order, err := e.loadOrder(id)
	if err != nil {
		return err
	}
	if order.Status != StatusPaymentSent {
		return ErrInvalidOrderStatus
	}
	if caller != order.Seller {
		return ErrUnauthorized
	}
	gov, err := e.loadGovernance()
	if err != nil {
		return err
	}
	payout, fee, err := e.settle(order, gov)
	if err != nil {
		return err
	}
	order.Status = StatusCompleted
	if err := e.storeOrder(order); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(order, payout, fee))
	return nil
}

// settle moves the escrowed amount out of the vault: payout to the buyer
// first, then the fee to the treasury. The buyer leg is fatal on failure and
// leaves the order untouched for a safe retry. The fee leg is non-fatal; an
// undelivered fee stays in the vault and is logged for operator recovery.
func (e *Engine) settle(order *Order, gov *Governance) (*big.Int, *big.Int, error) {
	total := cloneBigInt(order.Amount)
	if total.Sign() <= 0 {
		return nil, nil, fmt.Errorf("escrow: amount must be positive")
	}
	vault, err := e.state.EscrowVaultAddress(order.Asset)
	if err != nil {
		return nil, nil, err
	}
	fee := new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(gov.FeeRateBps)))
	fee.Div(fee, big.NewInt(feeRateDivisor))
	payout := new(big.Int).Sub(total, fee)
	if payout.Sign() > 0 {
		if err := e.transfer(order.Asset, vault, order.Buyer, payout); err != nil {
			return nil, nil, err
		}
	}
	if fee.Sign() > 0 {
		if err := e.transfer(order.Asset, vault, gov.FeeTreasury, fee); err != nil {
			e.log().Error("escrow fee transfer failed; leaving fee in vault",
				slog.Uint64("orderId", order.ID),
				slog.String("asset", order.Asset),
				slog.String("fee", fee.String()),
				slog.Any("error", err),
			)
		}
	}
	if err := e.state.OrderCustodyDebit(order.ID, order.Asset, total); err != nil {
		return nil, nil, err
	}
	return payout, fee, nil
}

// RaiseDispute freezes a funded order for arbitration. Either counterparty
// may raise it from Locked or PaymentSent.
func (e *Engine) RaiseDispute(id uint64, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireAuth(caller); err != nil {
		return err
	}
	if err := e.guardPaused(); err != nil {
		return err
	}
	order, err := e.loadOrder(id)
	if err != nil {
		return err
	}
	if order.Status != StatusLocked && order.Status != StatusPaymentSent {
		return ErrInvalidOrderStatus
	}
	if caller != order.Buyer && caller != order.Seller {
		return ErrUnauthorized
	}
	order.Status = StatusDisputed
	if err := e.storeOrder(order); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(order, caller))
	return nil
}

// Resolve settles a disputed order according to the resolver's outcome.
// favor_buyer performs the same split release as Release; favor_seller
// returns the full amount to the seller with no fee.
func (e *Engine) Resolve(id uint64, caller [20]byte, outcome string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireAuth(caller); err != nil {
		return err
	}
	if err := e.guardPaused(); err != nil {
		return err
	}
	order, err := e.loadOrder(id)
	if err != nil {
		return err
	}
	if order.Status != StatusDisputed {
		return ErrInvalidOrderStatus
	}
	gov, err := e.loadGovernance()
	if err != nil {
		return err
	}
	if caller != gov.DisputeResolver {
		return ErrUnauthorized
	}
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(outcome)), "-", "_")
	switch normalized {
	case OutcomeFavorBuyer:
		payout, fee, err := e.settle(order, gov)
		if err != nil {
			return err
		}
		order.Status = StatusCompleted
		if err := e.storeOrder(order); err != nil {
			return err
		}
		e.emit(NewResolvedEvent(order, caller, OutcomeFavorBuyer, payout, fee))
	case OutcomeFavorSeller:
		if err := e.refundSeller(order); err != nil {
			return err
		}
		order.Status = StatusCancelled
		if err := e.storeOrder(order); err != nil {
			return err
		}
		e.emit(NewResolvedEvent(order, caller, OutcomeFavorSeller, nil, nil))
	default:
		return fmt.Errorf("escrow: invalid resolution outcome %q", outcome)
	}
	return nil
}

// refundSeller returns the full escrowed amount to the seller. A failed trade
// is not taxed, so no fee applies.
func (e *Engine) refundSeller(order *Order) error {
	total := cloneBigInt(order.Amount)
	if total.Sign() <= 0 {
		return fmt.Errorf("escrow: amount must be positive")
	}
	vault, err := e.state.EscrowVaultAddress(order.Asset)
	if err != nil {
		return err
	}
	if err := e.transfer(order.Asset, vault, order.Seller, total); err != nil {
		return err
	}
	return e.state.OrderCustodyDebit(order.ID, order.Asset, total)
}

// Cancel withdraws an open order. Only the seller may cancel, and only while
// no buyer has locked it; funded orders exit exclusively through Release or
// Resolve.
func (e *Engine) Cancel(id uint64, caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.requireAuth(caller); err != nil {
		return err
	}
	if err := e.guardPaused(); err != nil {
		return err
	}
	order, err := e.loadOrder(id)
	if err != nil {
		return err
	}
	if order.Status != StatusOpen {
		return ErrInvalidOrderStatus
	}
	if caller != order.Seller {
		return ErrUnauthorized
	}
	order.Status = StatusCancelled
	if err := e.storeOrder(order); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(order, caller))
	return nil
}

// GetOrder returns the current order state without authorization. An open
// order read past its expiry is finalized to Cancelled on the spot, unless
// the contract is paused, in which case the stored state is returned
// unchanged and finalization waits for the next unpaused read.
func (e *Engine) GetOrder(id uint64) (*Order, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	order, err := e.loadOrder(id)
	if err != nil {
		return nil, err
	}
	if order.Status == StatusOpen && e.now() > order.ExpiresAt {
		if err := e.guardPaused(); err == nil {
			order.Status = StatusCancelled
			if err := e.storeOrder(order); err != nil {
				return nil, err
			}
			e.log().Info("expired open order finalized on read",
				slog.Uint64("orderId", order.ID),
				slog.Uint64("expiresAt", order.ExpiresAt),
			)
			e.emit(NewCancelledEvent(order, [20]byte{}))
		}
	}
	return order.Clone(), nil
}

// UserOrders lists the ids of orders the principal participates in as buyer,
// in acceptance order.
func (e *Engine) UserOrders(addr [20]byte) ([]uint64, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.UserOrders(addr)
}

// OrderCustody reports the amount currently held in escrow for an order.
func (e *Engine) OrderCustody(id uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.OrderCustodyBalance(id)
}
