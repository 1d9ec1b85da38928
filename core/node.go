package core

import (
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kellymusk/Aframp-backend/core/events"
	"github.com/kellymusk/Aframp-backend/core/state"
	"github.com/kellymusk/Aframp-backend/core/types"
	"github.com/kellymusk/Aframp-backend/native/common"
	"github.com/kellymusk/Aframp-backend/native/escrow"
	"github.com/kellymusk/Aframp-backend/native/token"
	"github.com/kellymusk/Aframp-backend/observability"
	"github.com/kellymusk/Aframp-backend/storage"
)

// GenesisAsset declares an asset registered during first-boot bootstrap,
// together with the balances seeded for it.
type GenesisAsset struct {
	Symbol   string
	Name     string
	Decimals uint8
	Admin    [20]byte
	Balances []GenesisBalance
}

// GenesisBalance seeds an account balance for a genesis asset.
type GenesisBalance struct {
	Address [20]byte
	Amount  *big.Int
}

// Genesis describes the first-boot state: the governance record plus the
// assets and balances available before any order is listed. It is applied
// exactly once; a node whose governance record already exists ignores it.
type Genesis struct {
	Admin           [20]byte
	FeeRateBps      uint32
	FeeTreasury     [20]byte
	DisputeResolver [20]byte
	Assets          []GenesisAsset
}

// NodeConfig carries the tunables the daemon wires from its configuration
// file. The zero value is a working node with no quota and no genesis.
type NodeConfig struct {
	Genesis      *Genesis
	Quota        common.Quota
	EventLogSize int
	Logger       *slog.Logger
}

// Node is the central controller. It owns the database, serializes every
// state-touching call, wires a fresh state overlay and engine per call and
// publishes events to the recorder only after the overlay commits.
type Node struct {
	db       storage.Database
	recorder *events.Recorder
	logger   *slog.Logger
	quota    common.Quota
	nowFn    func() uint64
	stateMu  sync.Mutex
}

func NewNode(db storage.Database, cfg NodeConfig) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: database must not be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		db:       db,
		recorder: events.NewRecorder(cfg.EventLogSize),
		logger:   logger,
		quota:    cfg.Quota,
		nowFn:    func() uint64 { return uint64(time.Now().Unix()) },
	}
	if err := n.applyGenesis(cfg.Genesis); err != nil {
		return nil, err
	}
	return n, nil
}

// SetNowFunc overrides the node's time source. Passing nil restores the wall
// clock. Tests use it for deterministic expiry and quota epochs.
func (n *Node) SetNowFunc(now func() uint64) {
	if now == nil {
		n.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	n.nowFn = now
}

func (n *Node) now() uint64 { return n.nowFn() }

// applyGenesis initializes governance and registers the declared assets on
// first boot. All writes land in one committed batch; a failure leaves the
// database untouched.
func (n *Node) applyGenesis(genesis *Genesis) error {
	if genesis == nil {
		return nil
	}
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	if _, ok, err := manager.GovernanceGet(); err != nil {
		return fmt.Errorf("node: read governance: %w", err)
	} else if ok {
		return nil
	}

	call := n.newCall(manager, events.NoopEmitter{}, deniedAuth{})
	if err := call.engine.Initialize(genesis.Admin, genesis.FeeRateBps, genesis.FeeTreasury, genesis.DisputeResolver); err != nil {
		return fmt.Errorf("node: initialize governance: %w", err)
	}

	assets := append([]GenesisAsset(nil), genesis.Assets...)
	sort.Slice(assets, func(i, j int) bool {
		return strings.ToUpper(assets[i].Symbol) < strings.ToUpper(assets[j].Symbol)
	})
	for i := range assets {
		def := &assets[i]
		symbol, err := token.NormalizeSymbol(def.Symbol)
		if err != nil {
			return fmt.Errorf("node: genesis asset: %w", err)
		}
		admin := def.Admin
		if admin == ([20]byte{}) {
			admin = genesis.Admin
		}
		if err := manager.AssetPut(&token.Asset{
			Symbol:   symbol,
			Name:     strings.TrimSpace(def.Name),
			Decimals: def.Decimals,
			Admin:    admin,
		}); err != nil {
			return fmt.Errorf("node: register genesis asset %q: %w", symbol, err)
		}
		for _, seed := range def.Balances {
			if seed.Amount == nil || seed.Amount.Sign() < 0 {
				return fmt.Errorf("node: genesis balance for asset %q must be non-negative", symbol)
			}
			balance, err := manager.BalanceGet(symbol, seed.Address)
			if err != nil {
				return err
			}
			if err := manager.BalanceSet(symbol, seed.Address, new(big.Int).Add(balance, seed.Amount)); err != nil {
				return fmt.Errorf("node: seed balance for asset %q: %w", symbol, err)
			}
		}
	}
	if err := manager.Commit(); err != nil {
		return fmt.Errorf("node: commit genesis: %w", err)
	}
	n.logger.Info("genesis state applied",
		slog.Int("assets", len(assets)),
		slog.Uint64("feeRateBps", uint64(genesis.FeeRateBps)),
	)
	return nil
}

// authOracle is the shape shared by the engine's and the ledger's oracles.
type authOracle interface {
	RequireAuth(principal [20]byte) error
}

// callAuth proves control of exactly one principal: the one whose signature
// the transport layer verified for the current call.
type callAuth struct {
	principal [20]byte
}

func (a callAuth) RequireAuth(principal [20]byte) error {
	if principal != a.principal {
		return fmt.Errorf("principal not authorized for this call")
	}
	return nil
}

// deniedAuth rejects every principal. Read-only paths never consult it.
type deniedAuth struct{}

func (deniedAuth) RequireAuth([20]byte) error {
	return fmt.Errorf("no principal authorized for this call")
}

type eventWithPayload interface {
	Event() *types.Event
}

// stagingEmitter buffers events raised during a call so they reach the
// recorder only if the call's overlay commits.
type stagingEmitter struct {
	staged []*types.Event
}

func (s *stagingEmitter) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	s.staged = append(s.staged, event.Clone())
}

// nodeCall bundles the components wired for a single serialized call: one
// overlay, one ledger and one engine sharing the same emitter and oracle.
type nodeCall struct {
	manager *state.Manager
	ledger  *token.Ledger
	engine  *escrow.Engine
}

func (n *Node) newCall(manager *state.Manager, emitter events.Emitter, auth authOracle) *nodeCall {
	ledger := token.NewLedger()
	ledger.SetState(manager)
	ledger.SetAuth(auth)
	ledger.SetEmitter(emitter)

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetLedger(ledger)
	engine.SetAuth(auth)
	engine.SetEmitter(emitter)
	engine.SetLogger(n.logger)
	engine.SetNowFunc(n.nowFn)

	return &nodeCall{manager: manager, ledger: ledger, engine: engine}
}

// execute runs fn against a fresh overlay authorized for caller. On success
// the overlay commits and staged events are published; on error every staged
// write and event is dropped.
func (n *Node) execute(caller [20]byte, fn func(*nodeCall) error) error {
	return n.commitCall(callAuth{principal: caller}, fn)
}

// executeUnauthenticated is the committing path for calls that gate nothing
// on a principal, such as the lazy expiry finalization inside GetOrder.
func (n *Node) executeUnauthenticated(fn func(*nodeCall) error) error {
	return n.commitCall(deniedAuth{}, fn)
}

func (n *Node) commitCall(auth authOracle, fn func(*nodeCall) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	staged := &stagingEmitter{}
	call := n.newCall(manager, staged, auth)
	if err := fn(call); err != nil {
		return err
	}
	if err := manager.Commit(); err != nil {
		return err
	}
	n.recorder.Append(staged.staged...)
	recordEventMetrics(staged.staged)
	return nil
}

// recordEventMetrics counts committed events in the Prometheus registry.
// Metrics are recorded after the recorder append so a scrape never reports an
// event the log cannot serve.
func recordEventMetrics(committed []*types.Event) {
	for _, evt := range committed {
		if evt == nil {
			continue
		}
		switch {
		case strings.HasPrefix(evt.Type, "orders."):
			observability.Events().RecordOrderEvent(evt.Type)
		case evt.Type == token.EventTypeTransferred:
			observability.Events().RecordTransfer(evt.Attributes["asset"])
		}
	}
}

// view runs fn against a fresh overlay whose writes are discarded. GetOrder
// is the one read that may persist (lazy expiry) and goes through execute.
func (n *Node) view(fn func(*nodeCall) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	call := n.newCall(manager, events.NoopEmitter{}, deniedAuth{})
	return fn(call)
}

// --- Governance ---

// InitializeGovernance creates the governance singleton. First successful
// call wins; the transport layer restricts who may attempt it.
func (n *Node) InitializeGovernance(admin [20]byte, feeRateBps uint32, feeTreasury, disputeResolver [20]byte) error {
	return n.execute(admin, func(call *nodeCall) error {
		return call.engine.Initialize(admin, feeRateBps, feeTreasury, disputeResolver)
	})
}

func (n *Node) SetAdmin(caller, newAdmin [20]byte) error {
	return n.execute(caller, func(call *nodeCall) error {
		return call.engine.SetAdmin(newAdmin)
	})
}

func (n *Node) SetFeeRate(caller [20]byte, feeRateBps uint32) error {
	return n.execute(caller, func(call *nodeCall) error {
		return call.engine.SetFeeRate(feeRateBps)
	})
}

func (n *Node) SetFeeTreasury(caller, newTreasury [20]byte) error {
	return n.execute(caller, func(call *nodeCall) error {
		return call.engine.SetFeeTreasury(newTreasury)
	})
}

func (n *Node) SetDisputeResolver(caller, newResolver [20]byte) error {
	return n.execute(caller, func(call *nodeCall) error {
		return call.engine.SetDisputeResolver(newResolver)
	})
}

func (n *Node) Pause(caller [20]byte) error {
	return n.execute(caller, func(call *nodeCall) error {
		return call.engine.Pause()
	})
}

func (n *Node) Unpause(caller [20]byte) error {
	return n.execute(caller, func(call *nodeCall) error {
		return call.engine.Unpause()
	})
}

func (n *Node) GetGovernance() (*escrow.Governance, error) {
	var gov *escrow.Governance
	err := n.view(func(call *nodeCall) error {
		var err error
		gov, err = call.engine.GetGovernance()
		return err
	})
	return gov, err
}

func (n *Node) GetAdmin() ([20]byte, error) {
	var admin [20]byte
	err := n.view(func(call *nodeCall) error {
		var err error
		admin, err = call.engine.GetAdmin()
		return err
	})
	return admin, err
}

func (n *Node) IsPaused() (bool, error) {
	var paused bool
	err := n.view(func(call *nodeCall) error {
		var err error
		paused, err = call.engine.IsPaused()
		return err
	})
	return paused, err
}

func (n *Node) OrderCount() (uint64, error) {
	var count uint64
	err := n.view(func(call *nodeCall) error {
		var err error
		count, err = call.engine.OrderCount()
		return err
	})
	return count, err
}

// --- Orders ---

// CreateOrder lists a sell order for the verified seller, applying the
// per-seller listing quota before the engine runs. A denied listing leaves
// quota counters and order state untouched.
func (n *Node) CreateOrder(seller [20]byte, asset string, amount *big.Int, fiatCurrency string, fiatAmount, rate *big.Int, expiresAt uint64, paymentMethod string) (*escrow.Order, error) {
	var created *escrow.Order
	err := n.execute(seller, func(call *nodeCall) error {
		if n.quota.Enabled() {
			if err := n.consumeQuota(call.manager, seller, amount); err != nil {
				return err
			}
		}
		order, err := call.engine.CreateOrder(seller, asset, amount, fiatCurrency, fiatAmount, rate, expiresAt, paymentMethod)
		if err != nil {
			return err
		}
		created = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// consumeQuota charges one listing against the seller's epoch counters. The
// charge is staged on the call's overlay, so a later failure in the same call
// rolls it back.
func (n *Node) consumeQuota(manager *state.Manager, seller [20]byte, amount *big.Int) error {
	usage, err := manager.QuotaGet(seller)
	if err != nil {
		return err
	}
	var addAmount uint64
	if n.quota.MaxAmountPerEpoch > 0 && amount != nil {
		if !amount.IsUint64() {
			return common.ErrQuotaAmountExceeded
		}
		addAmount = amount.Uint64()
	}
	epoch := n.now() / uint64(n.quota.EpochSeconds)
	next, err := common.CheckQuota(n.quota, epoch, usage, 1, addAmount)
	if err != nil {
		return err
	}
	return manager.QuotaPut(seller, next)
}

func (n *Node) AcceptOrder(id uint64, buyer [20]byte) error {
	return n.execute(buyer, func(call *nodeCall) error {
		return call.engine.Accept(id, buyer)
	})
}

func (n *Node) ConfirmPaymentSent(id uint64, caller [20]byte) error {
	return n.execute(caller, func(call *nodeCall) error {
		return call.engine.ConfirmPaymentSent(id, caller)
	})
}

func (n *Node) ReleaseOrder(id uint64, caller [20]byte) error {
	return n.execute(caller, func(call *nodeCall) error {
		return call.engine.Release(id, caller)
	})
}

func (n *Node) RaiseDispute(id uint64, caller [20]byte) error {
	return n.execute(caller, func(call *nodeCall) error {
		return call.engine.RaiseDispute(id, caller)
	})
}

func (n *Node) ResolveDispute(id uint64, caller [20]byte, outcome string) error {
	return n.execute(caller, func(call *nodeCall) error {
		return call.engine.Resolve(id, caller, outcome)
	})
}

func (n *Node) CancelOrder(id uint64, caller [20]byte) error {
	return n.execute(caller, func(call *nodeCall) error {
		return call.engine.Cancel(id, caller)
	})
}

// GetOrder reads an order. Reading an expired open order finalizes it, so the
// call runs on the committing path and may publish a cancellation event.
func (n *Node) GetOrder(id uint64) (*escrow.Order, error) {
	var order *escrow.Order
	err := n.executeUnauthenticated(func(call *nodeCall) error {
		var err error
		order, err = call.engine.GetOrder(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (n *Node) UserOrders(addr [20]byte) ([]uint64, error) {
	var ids []uint64
	err := n.view(func(call *nodeCall) error {
		var err error
		ids, err = call.engine.UserOrders(addr)
		return err
	})
	return ids, err
}

func (n *Node) OrderCustody(id uint64) (*big.Int, error) {
	var custody *big.Int
	err := n.view(func(call *nodeCall) error {
		var err error
		custody, err = call.engine.OrderCustody(id)
		return err
	})
	return custody, err
}

// EscrowVaultAddress reports the deterministic vault principal holding
// custody for an asset.
func (n *Node) EscrowVaultAddress(asset string) ([20]byte, error) {
	var vault [20]byte
	err := n.view(func(call *nodeCall) error {
		var err error
		vault, err = call.manager.EscrowVaultAddress(asset)
		return err
	})
	return vault, err
}

// --- Token ledger ---

// TokenRegister adds an asset to the ledger. The transport layer restricts
// registration to the operator.
func (n *Node) TokenRegister(symbol, name string, decimals uint8, admin [20]byte) (*token.Asset, error) {
	var asset *token.Asset
	err := n.execute(admin, func(call *nodeCall) error {
		registered, err := call.ledger.Register(symbol, name, decimals, admin)
		if err != nil {
			return err
		}
		asset = registered
		return nil
	})
	if err != nil {
		return nil, err
	}
	return asset, nil
}

func (n *Node) TokenMint(symbol string, caller, to [20]byte, amount *big.Int) error {
	return n.execute(caller, func(call *nodeCall) error {
		return call.ledger.Mint(symbol, caller, to, amount)
	})
}

func (n *Node) TokenBurn(symbol string, caller, from [20]byte, amount *big.Int) error {
	return n.execute(caller, func(call *nodeCall) error {
		return call.ledger.Burn(symbol, caller, from, amount)
	})
}

// TokenTransfer moves funds out of the verified caller's account. The sender
// is always the caller; the transport layer has already proven control.
func (n *Node) TokenTransfer(asset string, caller, to [20]byte, amount *big.Int) error {
	return n.execute(caller, func(call *nodeCall) error {
		return call.ledger.Transfer(asset, caller, to, amount)
	})
}

func (n *Node) TokenBalance(asset string, addr [20]byte) (*big.Int, error) {
	var balance *big.Int
	err := n.view(func(call *nodeCall) error {
		var err error
		balance, err = call.ledger.BalanceOf(asset, addr)
		return err
	})
	return balance, err
}

func (n *Node) TokenAsset(symbol string) (*token.Asset, error) {
	var asset *token.Asset
	err := n.view(func(call *nodeCall) error {
		var err error
		asset, err = call.ledger.Asset(symbol)
		return err
	})
	return asset, err
}

func (n *Node) TokenAssets() ([]string, error) {
	var symbols []string
	err := n.view(func(call *nodeCall) error {
		var err error
		symbols, err = call.ledger.Assets()
		return err
	})
	return symbols, err
}

// --- Events ---

// FetchEvents returns committed events with sequence greater than after,
// capped at limit.
func (n *Node) FetchEvents(after int64, limit int) []events.StoredEvent {
	return n.recorder.Since(after, limit)
}

// LatestSequence reports the sequence of the most recent committed event.
func (n *Node) LatestSequence() int64 {
	return n.recorder.LatestSequence()
}

// SubscribeEvents opens a live event feed resuming after the given cursor.
func (n *Node) SubscribeEvents(after int64, buffer int) (<-chan events.StoredEvent, func(), []events.StoredEvent) {
	return n.recorder.Subscribe(after, buffer)
}
