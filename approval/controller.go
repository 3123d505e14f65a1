package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/signet"
	"github.com/mark3labs/signet/metrics"
	"github.com/mark3labs/signet/normalize"
)

// State is the lifecycle position of a request inside the controller.
type State int

// Request states. Approved, Rejected, Dismissed, TimedOut and Terminated are
// terminal for the user decision.
const (
	StateCreated State = iota
	StateAwaitingDisplayData
	StateAwaitingUserDecision
	StateApproved
	StateRejected
	StateDismissed
	StateTimedOut
	StateTerminated
)

var stateNames = [...]string{
	StateCreated:              "created",
	StateAwaitingDisplayData:  "awaiting_display_data",
	StateAwaitingUserDecision: "awaiting_user_decision",
	StateApproved:             "approved",
	StateRejected:             "rejected",
	StateDismissed:            "dismissed",
	StateTimedOut:             "timed_out",
	StateTerminated:           "terminated",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the user decision is final.
func (s State) Terminal() bool {
	return s >= StateApproved
}

// StateChange is delivered to observers on every transition.
type StateChange struct {
	RequestID string
	From      State
	To        State
	At        time.Time
}

// Dispatcher signs approved payloads. Implemented by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, data signet.SigningData, actx signet.ApprovalContext) (*signet.SignOutcome, error)
}

// FeeEstimator quotes fees for the approval screen. Implemented by *fees.Estimator.
type FeeEstimator interface {
	Estimate(ctx context.Context, data signet.SigningData, chain signet.ChainID) (*signet.FeeQuote, error)
}

type request struct {
	req    *signet.SigningRequest
	state  State
	ctx    context.Context
	cancel context.CancelFunc
}

// Controller drives requests from submission to a terminal state.
type Controller struct {
	registry   *Registry
	dispatcher Dispatcher
	fees       FeeEstimator
	presenter  signet.Presenter
	timeout    time.Duration
	feeTimeout time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	onShutdown []func()

	mu        sync.Mutex
	requests  map[string]*request
	observers []func(StateChange)
	closed    bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithFeeEstimator enables fee quotes on the approval screen.
func WithFeeEstimator(f FeeEstimator) Option {
	return func(c *Controller) {
		c.fees = f
	}
}

// WithPresenter sets the UI collaborator.
func WithPresenter(p signet.Presenter) Option {
	return func(c *Controller) {
		c.presenter = p
	}
}

// WithTimeout resolves requests with ErrTimeout when no decision arrives in d.
// Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.timeout = d
	}
}

// WithFeeTimeout bounds how long the fee quote may delay the approval screen.
func WithFeeTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.feeTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithShutdownHook runs fn during Shutdown, after pending approvals are
// cancelled. Used to stop bridge trackers.
func WithShutdownHook(fn func()) Option {
	return func(c *Controller) {
		c.onShutdown = append(c.onShutdown, fn)
	}
}

// NewController creates a Controller.
func NewController(registry *Registry, dispatcher Dispatcher, opts ...Option) (*Controller, error) {
	if registry == nil {
		return nil, errors.New("approval: registry is required")
	}
	if dispatcher == nil {
		return nil, errors.New("approval: dispatcher is required")
	}
	c := &Controller{
		registry:   registry,
		dispatcher: dispatcher,
		presenter:  nopPresenter{},
		feeTimeout: 10 * time.Second,
		logger:     slog.Default(),
		requests:   make(map[string]*request),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Registry returns the controller's registry.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Pending returns the display data of every pending approval, oldest first.
func (c *Controller) Pending() []signet.DisplayData {
	return c.registry.Pending()
}

// Get returns the display data of a pending approval.
func (c *Controller) Get(id string) (signet.DisplayData, bool) {
	return c.registry.Get(id)
}

// OnStateChange registers fn for every state transition. fn runs on the
// goroutine making the transition and must not block.
func (c *Controller) OnStateChange(fn func(StateChange)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Handle normalizes an inbound request and submits it. Malformed requests
// fail before any approval is created.
func (c *Controller) Handle(ctx context.Context, in normalize.Inbound) (*signet.SignOutcome, error) {
	req, err := normalize.NewRequest(in)
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, req)
}

// Submit presents req for approval and blocks until it reaches a terminal
// state. Cancelling ctx before a decision dismisses the request. Every
// returned error is a *signet.SigningError.
func (c *Controller) Submit(ctx context.Context, req *signet.SigningRequest) (*signet.SignOutcome, error) {
	if req == nil || req.Data == nil {
		return nil, signet.InvalidParams("request", "no signing payload")
	}
	if req.ID == "" {
		return nil, signet.InvalidParams("id", "missing")
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, signet.NewSigningError(signet.ErrCodeSessionTerminated, "wallet is shutting down", nil)
	}
	if _, ok := c.requests[req.ID]; ok {
		c.mu.Unlock()
		return nil, signet.NewSigningError(signet.ErrCodeDuplicateRequest, "duplicate request id "+req.ID, nil)
	}
	c.requests[req.ID] = &request{req: req, state: StateCreated, ctx: rctx, cancel: cancel}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.requests, req.ID)
		c.mu.Unlock()
	}()

	summary, warnings := summarize(req.Data)
	display := signet.DisplayData{
		RequestID: req.ID,
		Method:    req.Data.Method(),
		Origin:    req.Origin,
		Peer:      req.Peer,
		ChainID:   req.ChainID,
		Summary:   summary,
		Payload:   req.Data,
		Warnings:  warnings,
		Created:   req.CreatedAt,
	}

	results := make(chan Outcome, 1)
	if _, err := c.registry.Register(NewEntry(req, display, func(o Outcome) { results <- o })); err != nil {
		if errors.Is(err, signet.ErrDuplicateRequest) {
			return nil, signet.NewSigningError(signet.ErrCodeDuplicateRequest, err.Error(), err)
		}
		return nil, signet.NewSigningError(signet.ErrCodeInternal, "approval not registered", err)
	}
	c.metrics.ApprovalOpened()
	c.logger.Info("approval requested", "id", req.ID, "method", req.Data.Method(), "chain", req.ChainID, "origin", req.Origin)

	if c.transition(req.ID, StateAwaitingDisplayData, StateCreated) {
		display = c.enrich(rctx, req, display)
		c.registry.setDisplay(req.ID, display)
		if c.transition(req.ID, StateAwaitingUserDecision, StateAwaitingDisplayData) {
			c.presenter.PresentApproval(display)
		}
	}

	var expired <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var outcome Outcome
	select {
	case outcome = <-results:
	case <-ctx.Done():
		c.abandon(req.ID, StateDismissed, signet.NewSigningError(signet.ErrCodeUserRejected, "request cancelled by the caller", ctx.Err()))
		outcome = <-results
	case <-expired:
		c.abandon(req.ID, StateTimedOut, signet.NewSigningError(signet.ErrCodeTimeout,
			fmt.Sprintf("no decision within %s", c.timeout), nil))
		outcome = <-results
	}
	return c.finish(req.ID, outcome)
}

// Approve signs the request with the user's choices and resolves it. The
// returned error is the dispatch error, also delivered to the caller of
// Submit, or a state error when the request cannot be approved.
func (c *Controller) Approve(id string, actx signet.ApprovalContext) error {
	r, err := c.decide(id, StateApproved)
	if err != nil {
		return err
	}
	if actx.Network == "" {
		actx.Network = r.req.ChainID
	}
	if actx.Quote == nil {
		if d, ok := c.registry.Get(id); ok {
			actx.Quote = d.Fee
		}
	}

	outcome := c.dispatch(r.ctx, r.req.Data, actx)
	if err := c.registry.Resolve(id, outcome); err != nil {
		c.logger.Warn("approved request resolved elsewhere", "id", id, "error", err)
		if outcome.Err == nil {
			return err
		}
	}
	return outcome.Err
}

// Reject resolves the request with ErrUserRejected.
func (c *Controller) Reject(id, reason string) error {
	if _, err := c.decide(id, StateRejected); err != nil {
		return err
	}
	if reason == "" {
		reason = "user rejected the request"
	}
	return c.registry.Resolve(id, Outcome{Err: signet.NewSigningError(signet.ErrCodeUserRejected, reason, nil)})
}

// Dismiss resolves the request with ErrUserRejected, as when the approval
// screen is closed without a decision.
func (c *Controller) Dismiss(id string) error {
	if _, err := c.decide(id, StateDismissed); err != nil {
		return err
	}
	return c.registry.Resolve(id, Outcome{Err: signet.NewSigningError(signet.ErrCodeUserRejected, "approval dismissed", nil)})
}

// Shutdown resolves every pending request with ErrSessionTerminated, cancels
// in-flight signing, runs the shutdown hooks and refuses new requests.
func (c *Controller) Shutdown(reason string) {
	c.mu.Lock()
	c.closed = true
	var changed []StateChange
	for id, r := range c.requests {
		if !r.state.Terminal() {
			changed = append(changed, StateChange{RequestID: id, From: r.state, To: StateTerminated, At: time.Now()})
			r.state = StateTerminated
		}
		r.cancel()
	}
	c.mu.Unlock()

	for _, ch := range changed {
		c.notify(ch)
	}
	c.registry.CancelAll(reason)
	for _, fn := range c.onShutdown {
		fn()
	}
	c.logger.Info("approval controller shut down", "reason", reason, "cancelled", len(changed))
}

// Recover reports requests left pending by a previous process as terminated.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	return c.registry.Recover(ctx, func(req *signet.SigningRequest, err error) {
		c.logger.Warn("orphaned approval", "id", req.ID, "method", req.Method, "origin", req.Origin, "error", err)
		c.presenter.ApprovalClosed(req.ID, signet.CodeOf(err))
	})
}

// State returns the state of an in-flight request.
func (c *Controller) State(id string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.requests[id]
	if !ok {
		return 0, false
	}
	return r.state, true
}

// decide moves a request awaiting a decision to the terminal state to.
func (c *Controller) decide(id string, to State) (*request, error) {
	c.mu.Lock()
	r, ok := c.requests[id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", signet.ErrRequestNotFound, id)
	}
	if r.state.Terminal() {
		from := r.state
		c.mu.Unlock()
		return nil, signet.NewSigningError(signet.ErrCodeAlreadyResolved,
			fmt.Sprintf("request %s is already %s", id, from), nil)
	}
	if r.state != StateAwaitingUserDecision {
		from := r.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: request %s is %s", signet.ErrInvalidState, id, from)
	}
	change := StateChange{RequestID: id, From: r.state, To: to, At: time.Now()}
	r.state = to
	c.mu.Unlock()

	c.notify(change)
	return r, nil
}

// abandon resolves a request that has not been decided yet.
func (c *Controller) abandon(id string, to State, err error) {
	c.mu.Lock()
	r, ok := c.requests[id]
	if !ok || r.state.Terminal() {
		c.mu.Unlock()
		return
	}
	change := StateChange{RequestID: id, From: r.state, To: to, At: time.Now()}
	r.state = to
	c.mu.Unlock()

	c.notify(change)
	if err := c.registry.Resolve(id, Outcome{Err: err}); err != nil {
		c.logger.Debug("abandoned request already resolved", "id", id, "error", err)
	}
}

func (c *Controller) transition(id string, to, from State) bool {
	c.mu.Lock()
	r, ok := c.requests[id]
	if !ok || r.state != from {
		c.mu.Unlock()
		return false
	}
	r.state = to
	c.mu.Unlock()

	c.notify(StateChange{RequestID: id, From: from, To: to, At: time.Now()})
	return true
}

func (c *Controller) notify(change StateChange) {
	c.mu.Lock()
	observers := make([]func(StateChange), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	c.logger.Debug("approval state", "id", change.RequestID, "from", change.From, "to", change.To)
	for _, fn := range observers {
		fn(change)
	}
}

// enrich adds the fee quote. A failed quote degrades the display instead of
// blocking the approval.
func (c *Controller) enrich(ctx context.Context, req *signet.SigningRequest, display signet.DisplayData) signet.DisplayData {
	if c.fees == nil || !signet.IsTransaction(req.Data) {
		return display
	}
	if c.feeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.feeTimeout)
		defer cancel()
	}
	quote, err := c.fees.Estimate(ctx, req.Data, req.ChainID)
	if err != nil {
		c.logger.Warn("fee quote unavailable", "id", req.ID, "chain", req.ChainID, "error", err)
		display.FeeError = signet.AsSigningError(err).UserMessage()
		display.Degraded = true
		return display
	}
	display.Fee = quote
	return display
}

func (c *Controller) dispatch(ctx context.Context, data signet.SigningData, actx signet.ApprovalContext) (outcome Outcome) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("signing panicked", "method", data.Method(), "panic", p)
			outcome = Outcome{Err: signet.NewSigningError(signet.ErrCodeInternal, fmt.Sprintf("signing panicked: %v", p), nil)}
		}
	}()

	res, err := c.dispatcher.Dispatch(ctx, data, actx)
	switch {
	case err == nil && res == nil:
		return Outcome{Err: signet.NewSigningError(signet.ErrCodeInternal, "dispatcher returned no outcome", nil)}
	case err == nil:
		return Outcome{Result: res}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return Outcome{Err: signet.NewSigningError(signet.ErrCodeSessionTerminated, "signing cancelled by shutdown", err)}
		}
		return Outcome{Err: signet.NewSigningError(signet.ErrCodeUserRejected, "signing cancelled by the caller", err)}
	default:
		return Outcome{Err: signet.AsSigningError(err)}
	}
}

func (c *Controller) finish(id string, outcome Outcome) (*signet.SignOutcome, error) {
	c.mu.Lock()
	state := StateTerminated
	if r, ok := c.requests[id]; ok {
		if !r.state.Terminal() {
			r.state = StateTerminated
		}
		state = r.state
	}
	c.mu.Unlock()

	c.metrics.ApprovalClosed(state.String())
	if outcome.Err != nil {
		se := signet.AsSigningError(outcome.Err)
		c.presenter.ApprovalClosed(id, se.Code)
		c.logger.Info("approval closed", "id", id, "state", state, "code", se.Code)
		return nil, se
	}
	c.presenter.ApprovalClosed(id, "")
	c.logger.Info("approval closed", "id", id, "state", state)
	return outcome.Result, nil
}

type nopPresenter struct{}

func (nopPresenter) PresentApproval(signet.DisplayData)      {}
func (nopPresenter) ApprovalClosed(string, signet.ErrorCode) {}
