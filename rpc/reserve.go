package rpc

import (
	"errors"
	"math/big"
	"sync"
)

var errReserveEmpty = errors.New("rpc: reserve is empty")

// FixedReserve is a capped stable-token backstop for stability pool
// shortfalls. Draws debit the configured balance and return at most what
// remains; the pool decides whether a partial draw is acceptable.
type FixedReserve struct {
	mu      sync.Mutex
	balance *big.Int
}

// NewFixedReserve seeds a reserve with the given balance. A nil or negative
// balance starts the reserve empty.
func NewFixedReserve(balance *big.Int) *FixedReserve {
	r := &FixedReserve{balance: big.NewInt(0)}
	if balance != nil && balance.Sign() > 0 {
		r.balance = new(big.Int).Set(balance)
	}
	return r
}

// Draw removes up to amount from the reserve and returns what was taken.
func (r *FixedReserve) Draw(amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.balance.Sign() == 0 {
		return nil, errReserveEmpty
	}
	drawn := new(big.Int).Set(amount)
	if drawn.Cmp(r.balance) > 0 {
		drawn.Set(r.balance)
	}
	r.balance.Sub(r.balance, drawn)
	return drawn, nil
}

// Balance reports the stable tokens still held by the reserve.
func (r *FixedReserve) Balance() *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.balance)
}

// PayoutAccount accrues the payout leg of reward distributions until the
// operator settles it out of band.
type PayoutAccount struct {
	mu      sync.Mutex
	accrued *big.Int
}

func NewPayoutAccount() *PayoutAccount {
	return &PayoutAccount{accrued: big.NewInt(0)}
}

// Distribute credits the account with a reward payout.
func (p *PayoutAccount) Distribute(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accrued.Add(p.accrued, amount)
	return nil
}

// Accrued reports the payouts collected so far.
func (p *PayoutAccount) Accrued() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.accrued)
}
