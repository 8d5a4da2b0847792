// Package pipeline assembles the full log collection pipeline: a function
// registry emitting into a log group, a forwarder sealing the group into
// compressed batches in the object store, a notification per stored batch
// on the relay queue, and optionally an agent pool consuming those
// notifications.
//
// The pipeline owns component lifecycle. Start launches the forwarder, the
// agent, and the maintenance scheduler; Stop shuts them down in order so
// buffered records are flushed before the store goes quiet.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"logflume/internal/agent"
	"logflume/internal/aggregator"
	"logflume/internal/batch"
	"logflume/internal/envelope"
	"logflume/internal/forwarder"
	"logflume/internal/logging"
	"logflume/internal/relay"
	"logflume/internal/source"
	"logflume/internal/store"
	"logflume/internal/store/memory"
)

// Defaults applied by New.
const (
	DefaultGroupName     = "lambda"
	DefaultPrefix        = "firehose"
	DefaultQueueName     = "notifications"
	DefaultSweepInterval = time.Minute
)

var (
	// ErrAlreadyRunning is returned by Start when the pipeline is running.
	ErrAlreadyRunning = errors.New("pipeline already running")

	// ErrNotRunning is returned by Stop when the pipeline is not running.
	ErrNotRunning = errors.New("pipeline not running")

	// ErrStopped is returned by Start after Stop: the scheduler shutdown
	// is final, so a stopped pipeline cannot be restarted.
	ErrStopped = errors.New("pipeline stopped")
)

// Config holds pipeline configuration.
type Config struct {
	// GroupName is the log group functions emit into. Defaults to
	// DefaultGroupName.
	GroupName string

	// Prefix namespaces batch keys in the store. Defaults to DefaultPrefix.
	Prefix string

	// Store is the durable batch store. Defaults to an in-memory store.
	Store store.Store

	// Codec compresses sealed batches. Defaults to gzip.
	Codec batch.Codec

	// FlushBytes and FlushInterval are the forwarder thresholds. Zero
	// values take the forwarder defaults.
	FlushBytes    int
	FlushInterval time.Duration

	// QueueName names the notification queue. Defaults to DefaultQueueName.
	QueueName string

	// VisibilityTimeout and Retention configure the notification queue.
	// Zero values take the relay defaults.
	VisibilityTimeout time.Duration
	Retention         time.Duration

	// MaxReceiveCount, when positive, enables dead-letter redrive: a
	// notification delivered this many times moves to a companion queue
	// named "<QueueName>-dlq". Zero disables redrive.
	MaxReceiveCount int

	// Handler enables the built-in agent: when set, an agent pool consumes
	// notifications and hands decoded batches to it. Nil leaves the queue
	// for an external consumer.
	Handler agent.Handler

	// AgentWorkers, AgentIdentity and AgentHeartbeat configure the
	// built-in agent. Ignored when Handler is nil.
	AgentWorkers   int
	AgentIdentity  string
	AgentHeartbeat time.Duration

	// SweepInterval is the cadence of the queue retention sweep. Defaults
	// to DefaultSweepInterval.
	SweepInterval time.Duration

	// Now is the pipeline clock. Defaults to time.Now.
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Stats is a snapshot across all pipeline components.
type Stats struct {
	Forwarder      forwarder.Stats `json:"forwarder"`
	Queue          relay.Stats     `json:"queue"`
	DeadLetter     *relay.Stats    `json:"dead_letter,omitempty"`
	Agent          *agent.Stats    `json:"agent,omitempty"`
	NotifyFailures uint64          `json:"notify_failures"`
}

// Pipeline wires the components together and owns their lifecycle.
type Pipeline struct {
	cfg       Config
	logger    *slog.Logger
	agg       *aggregator.Aggregator
	group     *aggregator.Group
	registry  *source.Registry
	queue     *relay.Queue
	dlq       *relay.Queue
	fwd       *forwarder.Forwarder
	agt       *agent.Agent
	scheduler *Scheduler
	store     store.Store // the raw backend, without the notify wrapper

	mu             sync.Mutex
	running        bool
	stopped        bool
	cancel         context.CancelFunc
	fwdWg          sync.WaitGroup
	agentWg        sync.WaitGroup
	notifyFailures uint64
}

// New assembles a stopped pipeline from cfg.
func New(cfg Config) (*Pipeline, error) {
	if cfg.GroupName == "" {
		cfg.GroupName = DefaultGroupName
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Store == nil {
		cfg.Store = memory.New(memory.Config{Now: cfg.Now})
	}
	if cfg.Codec == nil {
		cfg.Codec = batch.Gzip{}
	}
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := logging.Default(cfg.Logger)
	p := &Pipeline{
		cfg:    cfg,
		logger: logger.With("component", "pipeline"),
		store:  cfg.Store,
	}

	p.agg = aggregator.New(aggregator.Config{Now: cfg.Now, Logger: cfg.Logger})
	p.group = p.agg.Group(cfg.GroupName)

	p.registry = source.NewRegistry(source.Config{
		Group:  p.group,
		Now:    cfg.Now,
		Logger: cfg.Logger,
	})
	if err := p.registry.Register("echo", source.Echo()); err != nil {
		return nil, err
	}

	var dlq *relay.Queue
	if cfg.MaxReceiveCount > 0 {
		var err error
		dlq, err = relay.New(relay.Config{
			Name:      cfg.QueueName + "-dlq",
			Retention: cfg.Retention,
			Now:       cfg.Now,
			Logger:    cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create dead-letter queue: %w", err)
		}
	}
	queue, err := relay.New(relay.Config{
		Name:              cfg.QueueName,
		VisibilityTimeout: cfg.VisibilityTimeout,
		Retention:         cfg.Retention,
		MaxReceiveCount:   cfg.MaxReceiveCount,
		DeadLetter:        dlq,
		Now:               cfg.Now,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create queue: %w", err)
	}
	p.queue = queue
	p.dlq = dlq

	// Every batch landing in the store produces exactly one notification.
	// A failed send is loud: the batch is durable but no consumer will
	// hear about it.
	notifying := store.WithNotify(cfg.Store, cfg.Now, func(info store.ObjectInfo) {
		body, err := envelope.ObjectCreated(cfg.Store.Bucket(), info)
		if err == nil {
			_, err = queue.Send(body)
		}
		if err != nil {
			p.mu.Lock()
			p.notifyFailures++
			p.mu.Unlock()
			p.logger.Error("batch notification failed", "key", info.Key, "error", err)
		}
	})

	p.fwd, err = forwarder.New(forwarder.Config{
		Group:         p.group,
		Store:         notifying,
		Prefix:        cfg.Prefix,
		Codec:         cfg.Codec,
		FlushBytes:    cfg.FlushBytes,
		FlushInterval: cfg.FlushInterval,
		Now:           cfg.Now,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create forwarder: %w", err)
	}

	if cfg.Handler != nil {
		p.agt, err = agent.New(agent.Config{
			Queue:      queue,
			Store:      cfg.Store,
			Handler:    cfg.Handler,
			Identity:   cfg.AgentIdentity,
			Workers:    cfg.AgentWorkers,
			Heartbeat:  cfg.AgentHeartbeat,
			Visibility: cfg.VisibilityTimeout,
			Logger:     cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create agent: %w", err)
		}
	}

	p.scheduler, err = newScheduler(logger.With("component", "scheduler"))
	if err != nil {
		return nil, err
	}
	if err := p.scheduler.AddJob("relay-sweep", cfg.SweepInterval, func() {
		if dropped := queue.Sweep(); dropped > 0 {
			p.logger.Info("retention sweep dropped messages", "queue", queue.Name(), "dropped", dropped)
		}
		if dlq != nil {
			dlq.Sweep()
		}
	}); err != nil {
		return nil, err
	}

	return p, nil
}

// Registry returns the function registry, for registering additional
// functions before Start.
func (p *Pipeline) Registry() *source.Registry { return p.registry }

// Queue returns the notification queue, for external consumers.
func (p *Pipeline) Queue() *relay.Queue { return p.queue }

// Store returns the batch store backend.
func (p *Pipeline) Store() store.Store { return p.store }

// Group returns the log group functions emit into.
func (p *Pipeline) Group() *aggregator.Group { return p.group }

// Jobs returns the registered maintenance jobs.
func (p *Pipeline) Jobs() []JobInfo { return p.scheduler.ListJobs() }

// Invoke runs the named function synchronously. Safe to call whether or
// not the pipeline is started, but records only ship once it is.
func (p *Pipeline) Invoke(ctx context.Context, name string, payload []byte) (source.Result, error) {
	return p.registry.Invoke(ctx, name, payload)
}

// Start launches the forwarder, the agent (if configured), and the
// maintenance scheduler. Start returns immediately; use Stop to shut down.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyRunning
	}
	if p.stopped {
		return ErrStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.logger.Info("starting pipeline",
		"group", p.cfg.GroupName,
		"prefix", p.cfg.Prefix,
		"bucket", p.store.Bucket(),
		"queue", p.queue.Name(),
		"agent", p.agt != nil)

	p.fwdWg.Add(1)
	go func() {
		defer p.fwdWg.Done()
		_ = p.fwd.Run(ctx)
	}()

	if p.agt != nil {
		p.agentWg.Add(1)
		go func() {
			defer p.agentWg.Done()
			if err := p.agt.Run(ctx); err != nil {
				p.logger.Error("agent exited", "error", err)
			}
		}()
	}

	p.scheduler.Start()
	return nil
}

// Stop shuts the pipeline down. Stop is final: the maintenance scheduler
// cannot be restarted, so a new pipeline must be built to run again.
//
// Ordered shutdown:
//  1. Cancel the run context.
//  2. Wait for the forwarder: it drains its subscription and does a final
//     flush, so the last batches (and their notifications) still land.
//  3. Wait for the agent, which may consume those final notifications if
//     it wins the race; anything unconsumed stays on the queue.
//  4. Stop the scheduler, waiting for a running sweep to finish.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	cancel := p.cancel
	p.running = false
	p.stopped = true
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.fwdWg.Wait()
	p.agentWg.Wait()
	err := p.scheduler.Stop()

	p.logger.Info("pipeline stopped")
	return err
}

// Stats returns a snapshot across all components.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	notifyFailures := p.notifyFailures
	p.mu.Unlock()

	s := Stats{
		Forwarder:      p.fwd.Stats(),
		Queue:          p.queue.Stats(),
		NotifyFailures: notifyFailures,
	}
	if p.dlq != nil {
		dls := p.dlq.Stats()
		s.DeadLetter = &dls
	}
	if p.agt != nil {
		as := p.agt.Stats()
		s.Agent = &as
	}
	return s
}
