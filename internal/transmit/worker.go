package transmit

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/trakbridge/trakbridge/internal/model"
	"github.com/trakbridge/trakbridge/internal/queue"
)

// State is one node of the transmission worker's connection state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// drainDeadline caps the Draining state: on shutdown the worker flushes
// what is already queued, then gives up after this long.
const drainDeadline = 5 * time.Second

// defaultQueueCheckInterval is how long the worker idles after an empty
// dequeue before checking the queue again.
const defaultQueueCheckInterval = 50 * time.Millisecond

// Stats is a snapshot of one transmission worker's counters.
type Stats struct {
	State           State
	BatchesWritten  uint64
	EventsWritten   uint64
	WriteFailures   uint64
	ConnectFailures uint64
	LastConnectedAt time.Time
	LastWriteAt     time.Time
}

// Worker owns one destination server's long-lived connection and drains
// its queue into that connection in batches. The worker never holds the
// queue lock while writing to the network: DequeueBatch copies entries out
// under the lock, and the write happens afterwards.
type Worker struct {
	dialer             Dialer
	queues             *queue.Manager
	logger             *zap.Logger
	queueCheckInterval time.Duration

	mu    sync.Mutex
	cfg   model.ServerConfig
	state State
	stats Stats
}

// New constructs a Worker using the production TCP/TLS dialer.
func New(cfg model.ServerConfig, queues *queue.Manager, logger *zap.Logger) *Worker {
	return NewWithDialer(cfg, queues, logger, &tcpTLSDialer{netDialer: net.Dialer{Timeout: dialTimeout}})
}

// NewWithDialer is New with an injected Dialer, for tests.
func NewWithDialer(cfg model.ServerConfig, queues *queue.Manager, logger *zap.Logger, dialer Dialer) *Worker {
	return &Worker{
		cfg:                cfg,
		queues:             queues,
		logger:             logger,
		dialer:             dialer,
		state:              Disconnected,
		queueCheckInterval: defaultQueueCheckInterval,
	}
}

// SetQueueCheckInterval overrides the idle wait between empty dequeues.
// Call before Run.
func (w *Worker) SetQueueCheckInterval(d time.Duration) {
	if d > 0 {
		w.queueCheckInterval = d
	}
}

// UpdateConfig swaps the destination's live configuration (host/port/TLS
// material). The new values take effect on the next (re)connect.
func (w *Worker) UpdateConfig(cfg model.ServerConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg = cfg
}

func (w *Worker) config() model.ServerConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

func (w *Worker) serverID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.ID
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	if s == Connected {
		w.stats.LastConnectedAt = time.Now().UTC()
	}
	w.mu.Unlock()
}

// State returns the worker's current state machine node.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.State = w.state
	return s
}

// Run drives the full state machine until ctx is cancelled, reconnecting
// with exponential backoff (base 1s, cap 60s, full jitter) between failed
// attempts. It always ends in Stopped.
func (w *Worker) Run(ctx context.Context) {
	defer w.setState(Stopped)

	bo := newReconnectBackoff()
	for {
		if ctx.Err() != nil {
			return
		}

		w.setState(Connecting)
		conn, err := w.dial(ctx)
		if err != nil {
			w.mu.Lock()
			w.stats.ConnectFailures++
			w.mu.Unlock()
			w.logger.Warn("transmission worker connect failed",
				zap.String("server_id", w.serverID()), zap.Error(err))
			w.setState(Disconnected)

			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				wait = 60 * time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		w.setState(Connected)
		w.logger.Info("transmission worker connected", zap.String("server_id", w.serverID()))
		w.runConnected(ctx, conn)

		if ctx.Err() != nil {
			return
		}
		w.setState(Disconnected)
	}
}

func (w *Worker) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return w.dialer.DialContext(dialCtx, w.config())
}

// runConnected is the Connected-state loop: dequeue, write, repeat, until
// the connection breaks or ctx signals shutdown (at which point the worker
// transitions through Draining before returning).
func (w *Worker) runConnected(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			w.drain(conn)
			return
		default:
		}

		serverID := w.serverID()
		qcfg, ok := w.queues.Config(serverID)
		batchSize, writeDeadline := batchParams(qcfg, ok)

		entries := w.queues.DequeueBatch(ctx, serverID, batchSize)
		if len(entries) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(w.queueCheckInterval):
			}
			continue
		}

		if err := writeBatch(conn, entries, writeDeadline); err != nil {
			w.logger.Error("transmission worker write failed",
				zap.String("server_id", serverID), zap.Error(err))
			w.mu.Lock()
			w.stats.WriteFailures++
			w.mu.Unlock()
			// Under block the producer paid for the slot, so the batch is
			// put back at the head; under the drop strategies a lost batch
			// is acceptable — the next position supersedes it anyway.
			if ok && qcfg.OverflowStrategy == queue.Block {
				w.queues.RequeueFront(serverID, entries)
			}
			return
		}

		w.mu.Lock()
		w.stats.BatchesWritten++
		w.stats.EventsWritten += uint64(len(entries))
		w.stats.LastWriteAt = time.Now().UTC()
		w.mu.Unlock()
	}
}

// drain runs the Draining state: stop accepting new batches (the caller no
// longer loops after this returns), flush whatever is already queued, and
// give up once the queue is empty or drainDeadline elapses.
func (w *Worker) drain(conn net.Conn) {
	w.setState(Draining)
	serverID := w.serverID()
	w.logger.Info("transmission worker draining", zap.String("server_id", serverID))

	drainCtx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()

	for drainCtx.Err() == nil {
		qcfg, ok := w.queues.Config(serverID)
		batchSize, writeDeadline := batchParams(qcfg, ok)

		entries := w.queues.DequeueBatch(drainCtx, serverID, batchSize)
		if len(entries) == 0 {
			return
		}
		if err := writeBatch(conn, entries, writeDeadline); err != nil {
			w.logger.Warn("transmission worker drain write failed, remaining batch dropped",
				zap.String("server_id", serverID), zap.Error(err))
			return
		}
		w.mu.Lock()
		w.stats.BatchesWritten++
		w.stats.EventsWritten += uint64(len(entries))
		w.mu.Unlock()
	}
}

// batchParams resolves the batch size and write deadline (ten times the
// queue's batch timeout) from the destination's queue config, falling back
// to sane defaults if the queue was not found (should not happen once the
// orchestrator has created it).
func batchParams(cfg queue.Config, ok bool) (int, time.Duration) {
	if !ok || cfg.BatchSize <= 0 {
		return 8, time.Second
	}
	deadline := cfg.BatchTimeout * 10
	if deadline <= 0 {
		deadline = time.Second
	}
	return cfg.BatchSize, deadline
}

// writeBatch concatenates entries' XML bytes back-to-back — TAK servers
// parse a streaming XML feed, so there is no length-prefixing or framing
// beyond the well-formed elements themselves — and writes them under a
// single deadline.
func writeBatch(conn net.Conn, entries []model.QueueEntry, deadline time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, e := range entries {
		buf.Write(e.XML)
	}
	_, err := conn.Write(buf.Bytes())
	return err
}

// newReconnectBackoff builds the reconnect policy: exponential, base 1s,
// cap 60s, full jitter, retried indefinitely for the life of the worker
// (MaxElapsedTime=0 disables backoff's own give-up timer — the worker's
// ctx is the only thing that stops reconnection attempts).
func newReconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 1.0
	b.MaxElapsedTime = 0
	return b
}
