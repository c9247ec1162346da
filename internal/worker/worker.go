// Package worker is the process-side half of the fleet: it hosts a Client on
// its assigned shards and answers the coordinator over the parent link.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"shardfleet/internal/ipc"
	"shardfleet/internal/logging"
	"shardfleet/internal/script"
	"shardfleet/internal/shardalloc"
)

const (
	DefaultEvalTimeout   = 15 * time.Second
	defaultMessageBuffer = 64
	fleetRequestHeadroom = 5 * time.Second
)

var ErrAlreadyRunning = errors.New("worker already running")

// Client is the chat protocol client hosted by a worker.
type Client interface {
	// Login connects every assigned shard and returns once they are all up.
	Login(ctx context.Context, params ipc.Params) error
	// Properties is the tree scripts and fetches read from.
	Properties() map[string]any
	Close() error
}

type Options struct {
	Link   *ipc.Link
	Params ipc.Params
	Client Client
	// Evaluator runs eval requests. A default evaluator is created when nil.
	Evaluator *script.Evaluator
	// EvalTimeout bounds a single eval or fetch. Negative disables it.
	EvalTimeout time.Duration
	// FleetTimeout bounds requests this worker sends to the fleet. 0 means
	// EvalTimeout plus a margin; negative disables it.
	FleetTimeout  time.Duration
	MessageBuffer int
	Logger        *logging.Logger
}

// Util is the worker-local handle passed to code that talks to the fleet.
type Util struct {
	link         *ipc.Link
	params       ipc.Params
	client       Client
	evaluator    *script.Evaluator
	evalTimeout  time.Duration
	fleetTimeout time.Duration
	logger       *logging.Logger

	pending  *ipc.Pending
	messages chan json.RawMessage
	handlers sync.WaitGroup

	mu      sync.Mutex
	running bool
}

func New(opts Options) (*Util, error) {
	if opts.Link == nil {
		return nil, errors.New("worker link is required")
	}
	if opts.Client == nil {
		return nil, errors.New("worker client is required")
	}
	evaluator := opts.Evaluator
	if evaluator == nil {
		var err error
		evaluator, err = script.NewEvaluator()
		if err != nil {
			return nil, fmt.Errorf("create evaluator: %w", err)
		}
	}
	evalTimeout := opts.EvalTimeout
	if evalTimeout == 0 {
		evalTimeout = DefaultEvalTimeout
	}
	fleetTimeout := opts.FleetTimeout
	if fleetTimeout == 0 && evalTimeout > 0 {
		fleetTimeout = evalTimeout + fleetRequestHeadroom
	}
	buffer := opts.MessageBuffer
	if buffer <= 0 {
		buffer = defaultMessageBuffer
	}
	return &Util{
		link:         opts.Link,
		params:       opts.Params,
		client:       opts.Client,
		evaluator:    evaluator,
		evalTimeout:  evalTimeout,
		fleetTimeout: fleetTimeout,
		logger:       opts.Logger.With(map[string]string{"cluster_id": strconv.Itoa(opts.Params.ClusterID)}),
		pending:      ipc.NewPending(),
		messages:     make(chan json.RawMessage, buffer),
	}, nil
}

func (u *Util) Params() ipc.Params {
	params := u.params
	params.Shards = append([]int(nil), u.params.Shards...)
	return params
}

func (u *Util) ClusterID() int {
	return u.params.ClusterID
}

// ShardForGuild returns the shard that receives events for a guild.
func (u *Util) ShardForGuild(guildID uint64) int {
	return shardalloc.ShardForGuild(guildID, u.params.TotalShards)
}

// Messages delivers raw message payloads from the coordinator. It is closed
// when Run returns.
func (u *Util) Messages() <-chan json.RawMessage {
	return u.messages
}

// Run logs the client in, reports ready, and serves the coordinator until
// ctx is cancelled or the link closes.
func (u *Util) Run(ctx context.Context) error {
	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return ErrAlreadyRunning
	}
	u.running = true
	u.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readDone := make(chan error, 1)
	go func() {
		readDone <- u.readLoop(ctx)
	}()
	stop := func() error {
		_ = u.link.Close()
		readErr := <-readDone
		u.handlers.Wait()
		u.pending.RejectAll(ipc.ErrLinkClosed)
		close(u.messages)
		return errors.Join(readErr, u.client.Close())
	}

	if err := u.client.Login(ctx, u.Params()); err != nil {
		u.logger.Error("client login failed", map[string]string{"error": err.Error()})
		return errors.Join(fmt.Errorf("login: %w", err), stop())
	}
	if err := u.ReportReady(); err != nil {
		return errors.Join(err, stop())
	}
	u.logger.Info("worker ready", map[string]string{"shards": strconv.Itoa(len(u.params.Shards))})

	select {
	case <-ctx.Done():
	case err := <-readDone:
		readDone <- err
	}
	return stop()
}

func (u *Util) readLoop(ctx context.Context) error {
	for {
		env, err := u.link.Receive()
		if err != nil {
			if errors.Is(err, ipc.ErrMalformed) {
				u.logger.Warn("dropping malformed envelope", map[string]string{"error": err.Error()})
				continue
			}
			if errors.Is(err, ipc.ErrLinkClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		u.dispatch(ctx, env)
	}
}

func (u *Util) dispatch(ctx context.Context, env ipc.Envelope) {
	switch env.Kind {
	case ipc.KindEval, ipc.KindFetch:
		u.handlers.Add(1)
		go func() {
			defer u.handlers.Done()
			u.serve(ctx, env)
		}()
	case ipc.KindFleetResult:
		var result ipc.Result
		if err := ipc.DecodePayload(env, &result); err != nil {
			result.Error = &ipc.RemoteError{Name: "DecodeError", Message: err.Error()}
		}
		outcome := ipc.Outcome{Value: result.Value}
		if result.Error != nil {
			outcome = ipc.Outcome{Err: result.Error}
		}
		if !u.pending.Resolve(env.ID, outcome) {
			u.logger.Debug("dropping fleet result for unknown request", map[string]string{"request_id": env.ID})
		}
	case ipc.KindMessage:
		select {
		case u.messages <- env.Payload:
		default:
			u.logger.Warn("message buffer full, dropping coordinator message", nil)
		}
	default:
		u.logger.Warn("unexpected envelope from coordinator", map[string]string{"kind": string(env.Kind)})
	}
}

// ReportReady tells the coordinator every shard is connected.
func (u *Util) ReportReady() error {
	return u.sendStatus(ipc.KindReady)
}

// ReportDisconnect marks the worker not ready until ReportReady is sent again.
func (u *Util) ReportDisconnect() error {
	return u.sendStatus(ipc.KindDisconnect)
}

func (u *Util) ReportReconnecting() error {
	return u.sendStatus(ipc.KindReconnecting)
}

func (u *Util) sendStatus(kind ipc.Kind) error {
	env, err := ipc.NewEnvelope(kind, nil)
	if err != nil {
		return err
	}
	if err := u.link.Send(env); err != nil {
		return fmt.Errorf("report %s: %w", kind, err)
	}
	return nil
}

// Send delivers msg to the coordinator, which publishes it as a message event.
func (u *Util) Send(msg any) error {
	env, err := ipc.NewEnvelope(ipc.KindMessage, msg)
	if err != nil {
		return err
	}
	return u.link.Send(env)
}
