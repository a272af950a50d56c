package checkout

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/localmarket/dealflow/market"
	"github.com/localmarket/dealflow/money"
)

// Processor errors. ErrDeclined is final; anything else is retried.
var (
	ErrDeclined    = errors.New("checkout: payment declined")
	ErrUnavailable = errors.New("checkout: payment processor unavailable")
	// ErrExceedsHold is returned by Capture for more than was authorized.
	ErrExceedsHold = errors.New("checkout: capture exceeds authorized amount")
)

// PaymentRequest asks the processor to hold funds.
type PaymentRequest struct {
	Reference string
	MethodID  string
	Amount    money.Cents
}

// Authorization is a successful hold.
type Authorization struct {
	ID       string
	MethodID string
	Amount   money.Cents
}

// Processor authorizes payment methods that need upfront processing and
// captures the final amount at confirmation.
type Processor interface {
	Authorize(ctx context.Context, req PaymentRequest) (Authorization, error)
	Capture(ctx context.Context, auth Authorization, amount money.Cents) error
}

// MockProcessor simulates a payment gateway.
type MockProcessor struct {
	// Decline lists method ids that are always declined.
	Decline []string
	// FailFirst makes the first n Authorize calls fail with ErrUnavailable.
	FailFirst int
	// FailCapture makes every Capture fail.
	FailCapture bool

	mu         sync.Mutex
	authCalls  int
	authorized []Authorization
	captured   []Authorization
}

func (p *MockProcessor) Authorize(ctx context.Context, req PaymentRequest) (Authorization, error) {
	if err := ctx.Err(); err != nil {
		return Authorization{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authCalls++
	if slices.Contains(p.Decline, req.MethodID) {
		return Authorization{}, fmt.Errorf("%w: method %s", ErrDeclined, req.MethodID)
	}
	if p.authCalls <= p.FailFirst {
		return Authorization{}, ErrUnavailable
	}
	auth := Authorization{
		ID:       market.NewID("auth_"),
		MethodID: req.MethodID,
		Amount:   req.Amount,
	}
	p.authorized = append(p.authorized, auth)
	return auth, nil
}

func (p *MockProcessor) Capture(ctx context.Context, auth Authorization, amount money.Cents) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailCapture {
		return ErrUnavailable
	}
	i := slices.IndexFunc(p.authorized, func(a Authorization) bool { return a.ID == auth.ID })
	if i < 0 {
		return fmt.Errorf("checkout: unknown authorization %s", auth.ID)
	}
	if held := p.authorized[i].Amount; amount > held {
		return fmt.Errorf("%w: %s > %s", ErrExceedsHold, amount, held)
	}
	auth.Amount = amount
	p.captured = append(p.captured, auth)
	return nil
}

// AuthorizeCalls returns how many times Authorize ran.
func (p *MockProcessor) AuthorizeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authCalls
}

// Captured returns the captured authorizations.
func (p *MockProcessor) Captured() []Authorization {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Authorization(nil), p.captured...)
}

// Authorized returns the successful authorizations in order.
func (p *MockProcessor) Authorized() []Authorization {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Authorization(nil), p.authorized...)
}
