package escrow

// Initialize creates the governance singleton. It may succeed exactly once
// per instance; a second call fails with ErrAlreadyInitialized and leaves the
// stored record untouched.
func (e *Engine) Initialize(admin [20]byte, feeRateBps uint32, feeTreasury, disputeResolver [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	_, ok, err := e.state.GovernanceGet()
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyInitialized
	}
	if feeRateBps > MaxFeeRateBps {
		return ErrInvalidFeeRate
	}
	gov := &Governance{
		Admin:           admin,
		FeeRateBps:      feeRateBps,
		FeeTreasury:     feeTreasury,
		DisputeResolver: disputeResolver,
		Paused:          false,
		OrderCount:      0,
	}
	return e.state.GovernancePut(gov)
}

func (e *Engine) loadGovernance() (*Governance, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	gov, ok, err := e.state.GovernanceGet()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return gov, nil
}

// requireAdmin loads governance and proves control of the current admin.
// Admin calls stay available while paused so the pause is reversible.
func (e *Engine) requireAdmin() (*Governance, error) {
	gov, err := e.loadGovernance()
	if err != nil {
		return nil, err
	}
	if err := e.requireAuth(gov.Admin); err != nil {
		return nil, err
	}
	return gov, nil
}

// SetAdmin transfers admin rights to a new principal.
func (e *Engine) SetAdmin(newAdmin [20]byte) error {
	gov, err := e.requireAdmin()
	if err != nil {
		return err
	}
	gov.Admin = newAdmin
	return e.state.GovernancePut(gov)
}

// SetFeeRate updates the platform fee rate, re-validating the bound.
func (e *Engine) SetFeeRate(newFeeRateBps uint32) error {
	gov, err := e.requireAdmin()
	if err != nil {
		return err
	}
	if newFeeRateBps > MaxFeeRateBps {
		return ErrInvalidFeeRate
	}
	gov.FeeRateBps = newFeeRateBps
	return e.state.GovernancePut(gov)
}

// SetFeeTreasury updates the address receiving platform fees.
func (e *Engine) SetFeeTreasury(newTreasury [20]byte) error {
	gov, err := e.requireAdmin()
	if err != nil {
		return err
	}
	gov.FeeTreasury = newTreasury
	return e.state.GovernancePut(gov)
}

// SetDisputeResolver updates the principal allowed to resolve disputes.
func (e *Engine) SetDisputeResolver(newResolver [20]byte) error {
	gov, err := e.requireAdmin()
	if err != nil {
		return err
	}
	gov.DisputeResolver = newResolver
	return e.state.GovernancePut(gov)
}

// Pause halts every mutating order operation until Unpause.
func (e *Engine) Pause() error {
	gov, err := e.requireAdmin()
	if err != nil {
		return err
	}
	gov.Paused = true
	return e.state.GovernancePut(gov)
}

// Unpause restores mutating order operations.
func (e *Engine) Unpause() error {
	gov, err := e.requireAdmin()
	if err != nil {
		return err
	}
	gov.Paused = false
	return e.state.GovernancePut(gov)
}

// IsPaused reports the pause flag without authorization. An uninitialized
// instance reads as unpaused.
func (e *Engine) IsPaused() (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	gov, ok, err := e.state.GovernanceGet()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return gov.Paused, nil
}

// GetAdmin returns the current admin principal without authorization.
func (e *Engine) GetAdmin() ([20]byte, error) {
	gov, err := e.loadGovernance()
	if err != nil {
		return [20]byte{}, err
	}
	return gov.Admin, nil
}

// GetGovernance returns a copy of the governance record for read APIs.
func (e *Engine) GetGovernance() (*Governance, error) {
	gov, err := e.loadGovernance()
	if err != nil {
		return nil, err
	}
	return gov.Clone(), nil
}

// OrderCount reports how many order ids have been issued. An uninitialized
// instance reports zero.
func (e *Engine) OrderCount() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	gov, ok, err := e.state.GovernanceGet()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return gov.OrderCount, nil
}
