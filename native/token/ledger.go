package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/kellymusk/Aframp-backend/core/events"
	"github.com/kellymusk/Aframp-backend/core/types"
)

// Failure modes of the asset ledger. Transfer failures propagate to the
// settlement engine, which wraps them as its own transfer error.
var (
	ErrAssetNotFound       = errors.New("token: asset not found")
	ErrAssetExists         = errors.New("token: asset already registered")
	ErrUnauthorized        = errors.New("token: unauthorized")
	ErrInvalidAmount       = errors.New("token: invalid amount")
	ErrInsufficientBalance = errors.New("token: insufficient balance")
)

var (
	errNilState = errors.New("token ledger: state not configured")
	errNilAuth  = errors.New("token ledger: auth oracle not configured")
)

// Asset describes a registered fungible asset. The admin principal gates
// supply changes.
type Asset struct {
	Symbol   string
	Name     string
	Decimals uint8
	Admin    [20]byte
}

// Clone returns a copy of the asset record.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

type ledgerState interface {
	AssetGet(symbol string) (*Asset, bool, error)
	AssetPut(*Asset) error
	AssetList() ([]string, error)
	BalanceGet(asset string, addr [20]byte) (*big.Int, error)
	BalanceSet(asset string, addr [20]byte, amount *big.Int) error
}

// AuthOracle proves control of a principal for the current call.
type AuthOracle interface {
	RequireAuth(principal [20]byte) error
}

type tokenEvent struct {
	evt *types.Event
}

func (e tokenEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e tokenEvent) Event() *types.Event { return e.evt }

// Ledger implements the value transfer primitive: registered assets, account
// balances and atomic all-or-nothing transfers. Each call either fully
// applies or returns an error with no balance change.
type Ledger struct {
	state   ledgerState
	auth    AuthOracle
	emitter events.Emitter
}

// NewLedger creates a ledger with a no-op emitter.
func NewLedger() *Ledger {
	return &Ledger{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the ledger.
func (l *Ledger) SetState(state ledgerState) { l.state = state }

// SetAuth configures the authorization oracle gating supply changes.
func (l *Ledger) SetAuth(auth AuthOracle) { l.auth = auth }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

func (l *Ledger) emit(event *types.Event) {
	if l == nil || l.emitter == nil || event == nil {
		return
	}
	l.emitter.Emit(tokenEvent{evt: event})
}

// NormalizeSymbol canonicalises an asset symbol to its uppercase form.
func NormalizeSymbol(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", fmt.Errorf("token: symbol must not be empty")
	}
	return trimmed, nil
}

// Register stores a new asset definition. Registration is not
// principal-gated; callers decide who may register (the node restricts it to
// genesis bootstrap and operator calls).
func (l *Ledger) Register(symbol, name string, decimals uint8, admin [20]byte) (*Asset, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("token %s: name must not be empty", normalized)
	}
	_, ok, err := l.state.AssetGet(normalized)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, ErrAssetExists
	}
	asset := &Asset{
		Symbol:   normalized,
		Name:     strings.TrimSpace(name),
		Decimals: decimals,
		Admin:    admin,
	}
	if err := l.state.AssetPut(asset); err != nil {
		return nil, err
	}
	return asset.Clone(), nil
}

// Asset returns the definition of a registered asset.
func (l *Ledger) Asset(symbol string) (*Asset, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, err
	}
	asset, ok, err := l.state.AssetGet(normalized)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAssetNotFound
	}
	return asset.Clone(), nil
}

// Assets lists registered symbols in sorted order.
func (l *Ledger) Assets() ([]string, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.state.AssetList()
}

func (l *Ledger) requireAssetAdmin(symbol string, caller [20]byte) (*Asset, error) {
	asset, ok, err := l.state.AssetGet(symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAssetNotFound
	}
	if l.auth == nil {
		return nil, errNilAuth
	}
	if err := l.auth.RequireAuth(caller); err != nil {
		return nil, ErrUnauthorized
	}
	if caller != asset.Admin {
		return nil, ErrUnauthorized
	}
	return asset, nil
}

// Mint credits newly issued supply to an account. Only the asset admin may
// mint.
func (l *Ledger) Mint(symbol string, caller, to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if _, err := l.requireAssetAdmin(normalized, caller); err != nil {
		return err
	}
	balance, err := l.state.BalanceGet(normalized, to)
	if err != nil {
		return err
	}
	if err := l.state.BalanceSet(normalized, to, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	l.emit(NewMintedEvent(normalized, to, amount))
	return nil
}

// Burn removes supply from an account. Only the asset admin may burn.
func (l *Ledger) Burn(symbol string, caller, from [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	normalized, err := NormalizeSymbol(symbol)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if _, err := l.requireAssetAdmin(normalized, caller); err != nil {
		return err
	}
	balance, err := l.state.BalanceGet(normalized, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if err := l.state.BalanceSet(normalized, from, new(big.Int).Sub(balance, amount)); err != nil {
		return err
	}
	l.emit(NewBurnedEvent(normalized, from, amount))
	return nil
}

// Transfer moves an amount between accounts. The amount must be strictly
// positive and the asset registered; a short balance fails the whole call.
// Authorization of the sender is the caller's responsibility: the settlement
// engine invokes transfers inside an already-authorized call, and the RPC
// layer proves control of the sender before forwarding.
func (l *Ledger) Transfer(asset string, from, to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	normalized, err := NormalizeSymbol(asset)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if _, ok, err := l.state.AssetGet(normalized); err != nil {
		return err
	} else if !ok {
		return ErrAssetNotFound
	}
	fromBalance, err := l.state.BalanceGet(normalized, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if from == to {
		return nil
	}
	toBalance, err := l.state.BalanceGet(normalized, to)
	if err != nil {
		return err
	}
	if err := l.state.BalanceSet(normalized, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	if err := l.state.BalanceSet(normalized, to, new(big.Int).Add(toBalance, amount)); err != nil {
		return err
	}
	l.emit(NewTransferredEvent(normalized, from, to, amount))
	return nil
}

// BalanceOf reports the balance of an account. Unregistered assets and
// untouched accounts read as zero.
func (l *Ledger) BalanceOf(asset string, addr [20]byte) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	normalized, err := NormalizeSymbol(asset)
	if err != nil {
		return nil, err
	}
	return l.state.BalanceGet(normalized, addr)
}
