package host

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/video-system/go-input-host/pkg/broker"
	"github.com/video-system/go-input-host/pkg/input"
	"github.com/video-system/go-input-host/pkg/observability"
)

// Instance is one loaded plugin and its buffer session.
//
// Lifecycle and hook calls are serialized by mu. Frame accounting is atomic
// and never takes mu.
type Instance struct {
	id      int
	name    string
	typ     string
	plugin  input.Plugin
	session *broker.Session
	log     *logrus.Entry
	metrics *observability.Metrics
	changed func(from, to State)

	mu       sync.Mutex
	state    State
	settings input.Settings
	message  string
	uiReady  bool

	frames    atomic.Uint64
	lastFrame atomic.Pointer[frameInfo]
}

type frameInfo struct {
	header   input.ImageHeader
	sequence uint64
	at       time.Time
}

// InstanceStatus is a snapshot of an instance
type InstanceStatus struct {
	ID             int                 `json:"id"`
	Name           string              `json:"name"`
	Type           string              `json:"type"`
	State          State               `json:"state"`
	Message        string              `json:"message,omitempty"`
	PluginError    string              `json:"plugin_error,omitempty"`
	SessionID      string              `json:"session_id"`
	FramesReceived uint64              `json:"frames_received"`
	Dropped        uint64              `json:"dropped"`
	Outstanding    int                 `json:"outstanding"`
	Buffers        broker.SessionStats `json:"buffers"`
	LastHeader     *input.ImageHeader  `json:"last_header,omitempty"`
	LastSequence   uint64              `json:"last_sequence,omitempty"`
	LastFrameTime  *time.Time          `json:"last_frame_time,omitempty"`
}

// ID returns the host-assigned unique id
func (in *Instance) ID() int {
	return in.id
}

// Name returns the configured source name
func (in *Instance) Name() string {
	return in.name
}

// Type returns the registry type the plugin was created from
func (in *Instance) Type() string {
	return in.typ
}

// State returns the current lifecycle state
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// guard runs a plugin call and turns a panic into an error
func (in *Instance) guard(op string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w in %s: %v", ErrPluginPanic, op, r)
			in.log.WithError(err).Error("plugin call failed")
		}
	}()
	fn()
	return nil
}

func (in *Instance) callResult(op string, fn func() input.Result) input.Result {
	var res input.Result
	if err := in.guard(op, func() { res = fn() }); err != nil {
		return input.Failf("%v", err)
	}
	return res
}

// init runs the plugin's Init and optional InitUI, then wires the buffer
// callbacks. Init failure leaves the instance unloaded.
func (in *Instance) init(ui *input.UIContext) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.plugin.SetUniqueID(in.id)
	if l, ok := in.plugin.(input.LoggerSetter); ok {
		l.SetLogger(in.log.WithField("plugin", in.typ))
	}

	var initErr error
	if err := in.guard("init", func() { initErr = in.plugin.Init() }); err != nil {
		initErr = err
	}
	in.metrics.Transition("init", initErr == nil)
	if initErr != nil {
		in.message = initErr.Error()
		in.log.WithError(initErr).Warn("plugin init failed")
		return fmt.Errorf("init %s: %w", in.name, initErr)
	}

	in.uiReady = true
	if u, ok := in.plugin.(input.UIInitializer); ok && ui != nil {
		var uiErr error
		if err := in.guard("init_ui", func() { uiErr = u.InitUI(ui) }); err != nil {
			uiErr = err
		}
		if uiErr != nil {
			in.uiReady = false
			in.log.WithError(uiErr).Warn("plugin UI init failed, UI hooks disabled")
		}
	}

	in.plugin.SetCallbacks(in.session.Callbacks())
	in.setState(StateInitialized)
	in.message = ""

	if r, ok := in.plugin.(input.SettingsReader); ok {
		_ = in.guard("read_settings", func() { r.ReadSettings(in.settings.Clone()) })
	}

	in.log.Info("plugin initialized")
	return nil
}

// Start enables the buffer session and starts the plugin. A failed start
// leaves the instance in its prior state and may be retried.
func (in *Instance) Start() input.Result {
	in.mu.Lock()
	defer in.mu.Unlock()

	switch in.state {
	case StateStarted:
		return input.Failf("already started")
	case StateUnloaded:
		return input.Failf("%v", ErrNotInitialized)
	case StateReleased:
		return input.Failf("%v", ErrReleased)
	}

	if err := in.session.Enable(); err != nil {
		return input.Failf("enable buffers: %v", err)
	}

	res := in.callResult("start", in.plugin.Start)
	in.metrics.Transition("start", res.Success)
	in.message = res.Message
	if !res.Success {
		in.session.Disable()
		in.log.WithField("message", res.Message).Warn("plugin start failed")
		return res
	}

	in.setState(StateStarted)
	in.log.Info("plugin started")
	return res
}

// Stop stops a started plugin and discards buffers it still holds. Stopping
// an instance that is not started succeeds without calling the plugin.
func (in *Instance) Stop() input.Result {
	in.mu.Lock()
	defer in.mu.Unlock()

	switch in.state {
	case StateStarted:
	case StateReleased:
		return input.Failf("%v", ErrReleased)
	default:
		return input.OK()
	}

	res := in.callResult("stop", in.plugin.Stop)
	in.metrics.Transition("stop", res.Success)
	in.message = res.Message
	if !res.Success {
		in.log.WithField("message", res.Message).Warn("plugin stop failed")
		return res
	}

	in.session.Disable()
	in.setState(StateStopped)
	in.log.Info("plugin stopped")
	return res
}

// Release stops the plugin if needed and frees it. The instance is unusable
// afterwards.
func (in *Instance) Release() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.state == StateReleased {
		return ErrReleased
	}

	if in.state == StateStarted {
		res := in.callResult("stop", in.plugin.Stop)
		in.metrics.Transition("stop", res.Success)
		if !res.Success {
			in.log.WithField("message", res.Message).Warn("plugin stop failed, releasing anyway")
		}
	}

	discarded := in.session.Close()
	if in.state != StateUnloaded {
		_ = in.guard("release", in.plugin.Release)
	}
	in.metrics.Transition("release", true)

	in.setState(StateReleased)
	in.log.WithField("discarded", discarded).Info("plugin released")
	return nil
}

func (in *Instance) hookState() error {
	switch in.state {
	case StateUnloaded:
		return ErrNotInitialized
	case StateReleased:
		return ErrReleased
	}
	return nil
}

// ReadSettings replaces the instance settings and hands them to the plugin
func (in *Instance) ReadSettings(settings input.Settings) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.hookState(); err != nil {
		return err
	}
	in.settings = settings.Clone()
	r, ok := in.plugin.(input.SettingsReader)
	if !ok {
		return nil
	}
	return in.guard("read_settings", func() { r.ReadSettings(in.settings.Clone()) })
}

// DrawSettingsUI lets the plugin edit its settings. The plugin may clear
// show to close its panel.
func (in *Instance) DrawSettingsUI(show *bool) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.hookState(); err != nil {
		return err
	}
	d, ok := in.plugin.(input.SettingsDrawer)
	if !ok || !in.uiReady {
		return nil
	}
	if in.settings == nil {
		in.settings = input.Settings{}
	}
	return in.guard("draw_settings_ui", func() { d.DrawSettingsUI(in.settings, show) })
}

// DrawCustomUI gives the plugin a chance to draw its own panel
func (in *Instance) DrawCustomUI() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if err := in.hookState(); err != nil {
		return err
	}
	d, ok := in.plugin.(input.CustomDrawer)
	if !ok || !in.uiReady {
		return nil
	}
	return in.guard("draw_custom_ui", func() { d.DrawCustomUI(in.settings.Clone()) })
}

// Settings returns a copy of the current settings
func (in *Instance) Settings() input.Settings {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.settings.Clone()
}

func (in *Instance) recordFrame(f *broker.Frame) {
	in.frames.Add(1)
	in.lastFrame.Store(&frameInfo{
		header:   f.Header,
		sequence: f.Sequence,
		at:       f.FinalizedAt,
	})
}

// setState must be called with mu held; changed must not call back into in
func (in *Instance) setState(to State) {
	from := in.state
	in.state = to
	if in.changed != nil && from != to {
		in.changed(from, to)
	}
}

// Status returns a snapshot of the instance
func (in *Instance) Status(sessionID string) InstanceStatus {
	in.mu.Lock()
	st := InstanceStatus{
		ID:        in.id,
		Name:      in.name,
		Type:      in.typ,
		State:     in.state,
		Message:   in.message,
		SessionID: sessionID,
	}
	state := in.state
	in.mu.Unlock()

	if r, ok := in.plugin.(input.ErrorReporter); ok && state.Initialized() {
		var err error
		_ = in.guard("err", func() { err = r.Err() })
		if err != nil {
			st.PluginError = err.Error()
		}
	}

	st.FramesReceived = in.frames.Load()
	st.Buffers = in.session.Stats()
	st.Dropped = st.Buffers.Denied + st.Buffers.Discarded
	st.Outstanding = in.session.Outstanding()
	if fi := in.lastFrame.Load(); fi != nil {
		h := fi.header
		at := fi.at
		st.LastHeader = &h
		st.LastSequence = fi.sequence
		st.LastFrameTime = &at
	}
	return st
}

// Plugin returns the plugin behind the instance
func (in *Instance) Plugin() input.Plugin {
	return in.plugin
}
