package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/video-system/go-input-host/pkg/broker"
	"github.com/video-system/go-input-host/pkg/input"
	"github.com/video-system/go-input-host/pkg/observability"
	"github.com/video-system/go-input-host/pkg/output"
)

// Options holds the optional collaborators of a Manager
type Options struct {
	Log     *logrus.Logger
	Metrics *observability.Metrics
	Sinks   []output.Sink
	// UI is handed to plugins implementing input.UIInitializer
	UI *input.UIContext
}

// Manager owns the buffer broker and every loaded plugin instance, and
// dispatches finalized frames to the sinks
type Manager struct {
	cfg       *Config
	broker    *broker.Broker
	log       *logrus.Logger
	metrics   *observability.Metrics
	ui        *input.UIContext
	sessionID string

	mu        sync.RWMutex
	instances map[int]*Instance
	sinks     []output.Sink
	nextID    int
	running   atomic.Int64

	// held for a whole delivery and while sinks forget an instance
	deliverMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager creates the broker and loads every configured source. A source
// whose Init fails stays listed as unloaded; an unknown type is an error.
func NewManager(cfg *Config, opts Options) (*Manager, error) {
	log := opts.Log
	if log == nil {
		log = observability.Discard()
	}

	m := &Manager{
		cfg:       cfg,
		broker:    broker.New(cfg.Broker, log, opts.Metrics),
		log:       log,
		metrics:   opts.Metrics,
		ui:        opts.UI,
		sessionID: uuid.NewString(),
		instances: make(map[int]*Instance),
		sinks:     append([]output.Sink(nil), opts.Sinks...),
		done:      make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for _, src := range cfg.Sources {
		if _, err := m.Load(src.Name, src.Type, src.Settings); err != nil {
			if errors.Is(err, ErrUnknownType) || errors.Is(err, ErrDuplicateName) {
				for _, inst := range m.Instances() {
					_ = inst.Release()
				}
				m.broker.Close()
				return nil, err
			}
			log.WithError(err).WithField("source", src.Name).Warn("source not initialized")
		}
	}

	log.WithFields(logrus.Fields{
		"session": m.sessionID,
		"sources": len(cfg.Sources),
	}).Info("input host ready")
	return m, nil
}

// Load creates a plugin instance from the registry and initializes it. When
// Init fails the instance is still returned, in the unloaded state, together
// with the error.
func (m *Manager) Load(name, typ string, settings input.Settings) (*Instance, error) {
	plugin, ok := input.Get(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	m.mu.Lock()
	if name == "" {
		name = fmt.Sprintf("%s-%d", typ, m.nextID)
	}
	for _, inst := range m.instances {
		if inst.name == name {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
	}
	id := m.nextID
	m.nextID++
	inst := &Instance{
		id:       id,
		name:     name,
		typ:      typ,
		plugin:   plugin,
		session:  m.broker.Session(id),
		metrics:  m.metrics,
		changed:  m.stateChanged,
		settings: settings.Clone(),
		log: m.log.WithFields(logrus.Fields{
			"instance": id,
			"source":   name,
			"type":     typ,
		}),
	}
	m.instances[id] = inst
	m.mu.Unlock()

	if err := inst.init(m.ui); err != nil {
		return inst, err
	}
	return inst, nil
}

func (m *Manager) stateChanged(from, to State) {
	switch {
	case to == StateStarted:
		m.metrics.SetInstancesStarted(int(m.running.Add(1)))
	case from == StateStarted:
		m.metrics.SetInstancesStarted(int(m.running.Add(-1)))
	}
}

// Start runs the frame dispatch loop and starts every source configured
// with auto_start
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	sources := m.cfg.Sources
	m.mu.Unlock()

	m.startOnce.Do(func() { go m.dispatch() })

	for _, src := range sources {
		if !src.AutoStart {
			continue
		}
		inst, ok := m.InstanceByName(src.Name)
		if !ok {
			continue
		}
		if res := inst.Start(); !res.Success {
			// Continue with other sources
			m.log.WithField("source", src.Name).Warnf("auto start failed: %s", res.Message)
		}
	}
	return nil
}

func (m *Manager) dispatch() {
	defer close(m.done)
	for f := range m.broker.Frames() {
		m.deliver(f)
	}
}

func (m *Manager) deliver(f *broker.Frame) {
	defer f.Release()

	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	// Frames queued by an instance that was released and forgotten since
	inst, ok := m.Instance(f.InstanceID)
	if !ok {
		return
	}
	inst.recordFrame(f)

	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()

	for _, s := range sinks {
		if err := s.WriteFrame(f); err != nil {
			m.metrics.SinkError(s.Name())
			m.log.WithError(err).WithFields(logrus.Fields{
				"sink":     s.Name(),
				"instance": f.InstanceID,
			}).Warn("sink write failed")
		}
	}
	m.metrics.FrameDelivered(f.InstanceID)
}

// AddSink registers another frame consumer
func (m *Manager) AddSink(s output.Sink) {
	m.mu.Lock()
	m.sinks = append(m.sinks[:len(m.sinks):len(m.sinks)], s)
	m.mu.Unlock()
}

// Stop releases every instance and closes the broker. Frames already queued
// are still delivered before Wait returns.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		for _, inst := range m.Instances() {
			_ = inst.Release()
		}
		m.broker.Close()

		m.mu.Lock()
		m.cancel()
		m.mu.Unlock()
		m.log.Info("all sources released")
	})
}

// Wait blocks until the manager is stopped or its context is cancelled
func (m *Manager) Wait() {
	m.mu.RLock()
	ctx := m.ctx
	m.mu.RUnlock()
	<-ctx.Done()
}

// Drained returns a channel closed once the dispatch loop has delivered the
// last frame after Stop
func (m *Manager) Drained() <-chan struct{} {
	return m.done
}

// Release releases one instance and forgets it
func (m *Manager) Release(id int) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if ok {
		delete(m.instances, id)
	}
	sinks := m.sinks
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownInstance, id)
	}
	err := inst.Release()

	m.deliverMu.Lock()
	for _, s := range sinks {
		if f, ok := s.(output.Forgetter); ok {
			f.Drop(id)
		}
	}
	m.deliverMu.Unlock()
	return err
}

// Instance returns an instance by id
func (m *Manager) Instance(id int) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// InstanceByName returns an instance by source name
func (m *Manager) InstanceByName(name string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inst := range m.instances {
		if inst.name == name {
			return inst, true
		}
	}
	return nil, false
}

// Instances returns all instances ordered by id
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].id < out[j].id
	})
	return out
}

// Statuses returns the status of every instance ordered by id
func (m *Manager) Statuses() []InstanceStatus {
	insts := m.Instances()
	out := make([]InstanceStatus, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Status(m.sessionID))
	}
	return out
}

// Broker returns the buffer broker
func (m *Manager) Broker() *broker.Broker {
	return m.broker
}

// SessionID returns the id of this manager run
func (m *Manager) SessionID() string {
	return m.sessionID
}

// Running returns how many instances are started
func (m *Manager) Running() int {
	return int(m.running.Load())
}

// ApplyConfig pushes changed settings to running instances, loads sources
// that are new and releases sources that were removed from the file.
// Instances loaded through the API are left alone.
func (m *Manager) ApplyConfig(cfg *Config) {
	m.mu.RLock()
	prev := m.cfg
	m.mu.RUnlock()

	for _, src := range cfg.Sources {
		inst, ok := m.InstanceByName(src.Name)
		if !ok {
			loaded, err := m.Load(src.Name, src.Type, src.Settings)
			if err != nil {
				m.log.WithError(err).WithField("source", src.Name).Warn("reload: source not loaded")
				continue
			}
			if src.AutoStart {
				if res := loaded.Start(); !res.Success {
					m.log.WithField("source", src.Name).Warnf("reload: auto start failed: %s", res.Message)
				}
			}
			continue
		}
		if inst.typ != src.Type {
			m.log.WithField("source", src.Name).Warn("reload: type change ignored, restart required")
			continue
		}
		if inst.Settings().Equal(src.Settings) {
			continue
		}
		if err := inst.ReadSettings(src.Settings); err != nil {
			m.log.WithError(err).WithField("source", src.Name).Warn("reload: settings not applied")
			continue
		}
		m.log.WithField("source", src.Name).Info("settings reloaded")
	}

	for _, inst := range m.Instances() {
		if _, ok := prev.Source(inst.name); !ok {
			continue
		}
		if _, ok := cfg.Source(inst.name); !ok {
			if err := m.Release(inst.id); err != nil {
				m.log.WithError(err).WithField("source", inst.name).Warn("reload: release failed")
				continue
			}
			m.log.WithField("source", inst.name).Info("source removed")
		}
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}
