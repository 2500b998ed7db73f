package database

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/alexjbarnes/accountd/internal/model"
)

// result carries a command's outcome back over its one-shot reply
// channel.
type result[T any] struct {
	value T
	err   error
}

// command is one queued mutation. execute runs on the consumer goroutine
// and delivers the result on the command's own buffered reply channel, so
// a caller that gave up waiting never blocks the consumer.
type command interface {
	execute(w *Writes)
}

type registerCmd struct {
	google model.GoogleAccountID
	reply  chan result[model.AccountIDInternal]
}

func (c registerCmd) execute(w *Writes) {
	internal, err := w.register(c.google)
	c.reply <- result[model.AccountIDInternal]{value: internal, err: err}
}

type setAuthPairCmd struct {
	id    model.AccountIDInternal
	peer  netip.AddrPort
	reply chan result[model.AuthPair]
}

func (c setAuthPairCmd) execute(w *Writes) {
	pair, err := w.setAuthPair(c.id, c.peer)
	c.reply <- result[model.AuthPair]{value: pair, err: err}
}

type logoutCmd struct {
	id    model.AccountIDInternal
	reply chan result[struct{}]
}

func (c logoutCmd) execute(w *Writes) {
	c.reply <- result[struct{}]{err: w.logout(c.id)}
}

type endSessionCmd struct {
	id    model.AccountIDInternal
	reply chan result[struct{}]
}

func (c endSessionCmd) execute(w *Writes) {
	c.reply <- result[struct{}]{err: w.endConnectionSession(c.id)}
}

type updateProfileCmd struct {
	id      model.AccountIDInternal
	profile model.Profile
	reply   chan result[struct{}]
}

func (c updateProfileCmd) execute(w *Writes) {
	c.reply <- result[struct{}]{err: w.updateProfile(c.id, c.profile)}
}

type updateSetupCmd struct {
	id    model.AccountIDInternal
	setup model.AccountSetup
	reply chan result[struct{}]
}

func (c updateSetupCmd) execute(w *Writes) {
	c.reply <- result[struct{}]{err: w.updateAccountSetup(c.id, c.setup)}
}

type completeSetupCmd struct {
	id    model.AccountIDInternal
	reply chan result[struct{}]
}

func (c completeSetupCmd) execute(w *Writes) {
	c.reply <- result[struct{}]{err: w.completeSetup(c.id)}
}

type updateCalculatorCmd struct {
	id    model.AccountIDInternal
	state model.CalculatorState
	reply chan result[struct{}]
}

func (c updateCalculatorCmd) execute(w *Writes) {
	c.reply <- result[struct{}]{err: w.updateCalculatorState(c.id, c.state)}
}

// queueCapacity is deliberately tiny. Submitters block when the consumer
// falls behind, which is backpressure, not a bug.
const queueCapacity = 1

// Runner serializes every mutating command through one consumer
// goroutine. Commands are processed strictly in arrival order, so two
// mutations never run concurrently, even for unrelated accounts.
type Runner struct {
	writes *Writes
	logger *slog.Logger

	queue chan command
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	senders sync.WaitGroup
}

// NewRunner starts the consumer goroutine and returns the runner.
func NewRunner(writes *Writes, logger *slog.Logger) *Runner {
	r := &Runner{
		writes: writes,
		logger: logger,
		queue:  make(chan command, queueCapacity),
		done:   make(chan struct{}),
	}

	go r.run()

	return r
}

func (r *Runner) run() {
	defer close(r.done)

	for cmd := range r.queue {
		cmd.execute(r.writes)
	}

	r.logger.Debug("command runner stopped")
}

// submit hands one command to the consumer. The senders group keeps Close
// from closing the queue while a submit is mid-send.
func (r *Runner) submit(ctx context.Context, cmd command) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrCommandRunnerQuit
	}
	r.senders.Add(1)
	r.mu.Unlock()

	defer r.senders.Done()

	select {
	case r.queue <- cmd:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrCommandSendFailed, ctx.Err())
	case <-r.done:
		return ErrCommandRunnerQuit
	}
}

// send submits cmd and waits for its reply.
func send[T any](ctx context.Context, r *Runner, cmd command, reply chan result[T]) (T, error) {
	var zero T

	if err := r.submit(ctx, cmd); err != nil {
		return zero, err
	}

	select {
	case res := <-reply:
		return res.value, res.err
	case <-ctx.Done():
		// The command may still execute; the buffered reply is dropped.
		return zero, ctx.Err()
	}
}

// Close stops accepting commands, waits for in-flight submissions to land
// on the queue, then lets the consumer drain everything already queued
// before returning.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.senders.Wait()
	close(r.queue)
	<-r.done
}

// Register creates a new account, optionally linked to a Google identity.
func (r *Runner) Register(ctx context.Context, google model.GoogleAccountID) (model.AccountIDInternal, error) {
	reply := make(chan result[model.AccountIDInternal], 1)
	return send(ctx, r, registerCmd{google: google, reply: reply}, reply)
}

// SetAuthPair issues fresh tokens for the account, bound to peer.
func (r *Runner) SetAuthPair(ctx context.Context, id model.AccountIDInternal, peer netip.AddrPort) (model.AuthPair, error) {
	reply := make(chan result[model.AuthPair], 1)
	return send(ctx, r, setAuthPairCmd{id: id, peer: peer, reply: reply}, reply)
}

// Logout invalidates the account's tokens and session.
func (r *Runner) Logout(ctx context.Context, id model.AccountIDInternal) error {
	reply := make(chan result[struct{}], 1)
	_, err := send(ctx, r, logoutCmd{id: id, reply: reply}, reply)
	return err
}

// EndConnectionSession invalidates the access token and session binding,
// keeping the refresh token.
func (r *Runner) EndConnectionSession(ctx context.Context, id model.AccountIDInternal) error {
	reply := make(chan result[struct{}], 1)
	_, err := send(ctx, r, endSessionCmd{id: id, reply: reply}, reply)
	return err
}

// UpdateProfile replaces the account's profile.
func (r *Runner) UpdateProfile(ctx context.Context, id model.AccountIDInternal, p model.Profile) error {
	reply := make(chan result[struct{}], 1)
	_, err := send(ctx, r, updateProfileCmd{id: id, profile: p, reply: reply}, reply)
	return err
}

// UpdateAccountSetup replaces the account's setup data.
func (r *Runner) UpdateAccountSetup(ctx context.Context, id model.AccountIDInternal, a model.AccountSetup) error {
	reply := make(chan result[struct{}], 1)
	_, err := send(ctx, r, updateSetupCmd{id: id, setup: a, reply: reply}, reply)
	return err
}

// CompleteSetup transitions the account out of initial setup.
func (r *Runner) CompleteSetup(ctx context.Context, id model.AccountIDInternal) error {
	reply := make(chan result[struct{}], 1)
	_, err := send(ctx, r, completeSetupCmd{id: id, reply: reply}, reply)
	return err
}

// UpdateCalculatorState replaces the account's calculator state.
func (r *Runner) UpdateCalculatorState(ctx context.Context, id model.AccountIDInternal, c model.CalculatorState) error {
	reply := make(chan result[struct{}], 1)
	_, err := send(ctx, r, updateCalculatorCmd{id: id, state: c, reply: reply}, reply)
	return err
}
