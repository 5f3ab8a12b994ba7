// Package control issues manual signal commands to the backend.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smart-traffic/trafficsync/internal/protocol"
	"github.com/smart-traffic/trafficsync/internal/store"
)

// DefaultAckTimeout is how long an optimistic change waits for its echo
const DefaultAckTimeout = 5 * time.Second

var (
	// ErrNotManual is returned when a signal command is attempted outside manual mode
	ErrNotManual = errors.New("backend is not in manual mode")
	// ErrUnknownSignal is returned for ids outside the control panel
	ErrUnknownSignal = errors.New("unknown signal")
)

// Sender delivers one message on the event stream
type Sender interface {
	Send(msg protocol.Message) error
}

// Panel is the state the controller gates on and updates optimistically
type Panel interface {
	Mode() protocol.Mode
	SetMode(m protocol.Mode)
	SetManualPanel(on bool)
	ApplyOptimistic(backendID string, color protocol.SignalColor, commandID string) bool
	ExpireCommand(commandID string) []string
}

// Command describes one outbound command for the journal
type Command struct {
	ID      string                  `json:"command_id"`
	Event   string                  `json:"event"`
	Signals []protocol.SignalTarget `json:"signals,omitempty"`
	SentAt  time.Time               `json:"sent_at"`
	Error   string                  `json:"error,omitempty"`
}

// Options configure a Controller
type Options struct {
	AckTimeout time.Duration
	// Batch sends reset and prioritize as one manual_signal_batch. When
	// false they go out as one manual_signal_change per signal.
	Batch     bool
	OnCommand func(Command)
	// REST is used for the mode and simulation endpoints. Nil disables them.
	REST *RESTClient
}

// Controller is the only mutation path from consumers to the backend
type Controller struct {
	sender Sender
	panel  Panel
	opts   Options
	log    *slog.Logger
	now    func() time.Time
	newID  func() string

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New creates a controller
func New(sender Sender, panel Panel, opts Options, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	return &Controller{
		sender: sender,
		panel:  panel,
		opts:   opts,
		log:    log.With("component", "control"),
		now:    time.Now,
		newID:  uuid.NewString,
		timers: make(map[string]*time.Timer),
	}
}

// SetSignal commands one signal to color. id is a panel key or backend id.
func (c *Controller) SetSignal(id string, color protocol.SignalColor) (string, error) {
	if c.panel.Mode() != protocol.ModeManual {
		return "", ErrNotManual
	}
	backendID, ok := store.BackendSignalID(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSignal, id)
	}
	commandID := c.newID()
	c.panel.ApplyOptimistic(backendID, color, commandID)
	msg := protocol.ManualSignalChange{
		SignalID:  backendID,
		NewState:  color,
		Timestamp: c.now().UnixMilli(),
		CommandID: commandID,
	}.Message()
	targets := []protocol.SignalTarget{{SignalID: backendID, NewState: color}}
	if err := c.send(commandID, msg, targets); err != nil {
		return commandID, err
	}
	return commandID, nil
}

// ResetAll commands every signal to red
func (c *Controller) ResetAll() ([]string, error) {
	targets := make([]protocol.SignalTarget, 0, len(store.PanelKeys()))
	for _, key := range store.PanelKeys() {
		backendID, _ := store.BackendSignalID(key)
		targets = append(targets, protocol.SignalTarget{SignalID: backendID, NewState: protocol.ColorRed})
	}
	return c.apply(targets)
}

// Prioritize turns one signal green and every other one red
func (c *Controller) Prioritize(id string) ([]string, error) {
	target, ok := store.BackendSignalID(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSignal, id)
	}
	targets := make([]protocol.SignalTarget, 0, len(store.PanelKeys()))
	for _, key := range store.PanelKeys() {
		backendID, _ := store.BackendSignalID(key)
		color := protocol.ColorRed
		if backendID == target {
			color = protocol.ColorGreen
		}
		targets = append(targets, protocol.SignalTarget{SignalID: backendID, NewState: color})
	}
	return c.apply(targets)
}

// apply sends a multi-signal action, batched or one change per signal
func (c *Controller) apply(targets []protocol.SignalTarget) ([]string, error) {
	if c.panel.Mode() != protocol.ModeManual {
		return nil, ErrNotManual
	}
	ts := c.now().UnixMilli()

	if c.opts.Batch {
		batchID := c.newID()
		for _, t := range targets {
			c.panel.ApplyOptimistic(t.SignalID, t.NewState, batchID)
		}
		msg := protocol.ManualSignalBatch{BatchID: batchID, Signals: targets, Timestamp: ts}.Message()
		if err := c.send(batchID, msg, targets); err != nil {
			return []string{batchID}, err
		}
		return []string{batchID}, nil
	}

	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		commandID := c.newID()
		ids = append(ids, commandID)
		c.panel.ApplyOptimistic(t.SignalID, t.NewState, commandID)
		msg := protocol.ManualSignalChange{SignalID: t.SignalID, NewState: t.NewState, Timestamp: ts, CommandID: commandID}.Message()
		if err := c.send(commandID, msg, []protocol.SignalTarget{t}); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// ToggleManualMode asks the backend to switch the manual panel on or off.
// While disconnected the request is dropped, never queued. It leaves the
// operating mode alone: signal commands stay rejected until
// SetOperatingMode(ModeManual) succeeds or the backend reports manual mode.
func (c *Controller) ToggleManualMode(on bool) error {
	c.panel.SetManualPanel(on)
	msg := protocol.ManualModeToggle{ManualMode: on, Timestamp: c.now().UnixMilli()}.Message()
	err := c.sender.Send(msg)
	c.record(Command{ID: c.newID(), Event: msg.Event, SentAt: c.now()}, err)
	if err != nil {
		c.log.Warn("control: manual mode toggle dropped", "manual_mode", on, "error", err)
		return fmt.Errorf("failed to toggle manual mode: %w", err)
	}
	c.log.Info("control: manual mode toggle sent", "manual_mode", on)
	return nil
}

// SetOperatingMode switches the backend mode over REST and records the
// mode the backend reports back.
func (c *Controller) SetOperatingMode(ctx context.Context, mode protocol.Mode) (protocol.Mode, error) {
	if c.opts.REST == nil {
		return "", errors.New("rest client not configured")
	}
	resp, err := c.opts.REST.SetMode(ctx, mode)
	if err != nil {
		return "", err
	}
	c.panel.SetMode(resp.Mode)
	c.log.Info("control: operating mode set", "mode", resp.Mode)
	return resp.Mode, nil
}

// StartSimulation asks the backend to launch the traffic simulation
func (c *Controller) StartSimulation(ctx context.Context) (protocol.StartSimulationResponse, error) {
	if c.opts.REST == nil {
		return protocol.StartSimulationResponse{}, errors.New("rest client not configured")
	}
	return c.opts.REST.StartSimulation(ctx)
}

// Close stops every pending acknowledgement timer
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

// send delivers msg and arms the rollback timer. A message that could not
// be sent is rolled back at once.
func (c *Controller) send(commandID string, msg protocol.Message, targets []protocol.SignalTarget) error {
	err := c.sender.Send(msg)
	c.record(Command{ID: commandID, Event: msg.Event, Signals: targets, SentAt: c.now()}, err)
	if err != nil {
		c.panel.ExpireCommand(commandID)
		c.log.Warn("control: command dropped", "command_id", commandID, "event", msg.Event, "error", err)
		return fmt.Errorf("failed to send %s: %w", msg.Event, err)
	}
	c.log.Info("control: command sent", "command_id", commandID, "event", msg.Event, "signals", len(targets))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.timers[commandID] = time.AfterFunc(c.opts.AckTimeout, func() {
		c.expire(commandID)
	})
	return nil
}

func (c *Controller) expire(commandID string) {
	c.mu.Lock()
	delete(c.timers, commandID)
	c.mu.Unlock()
	if keys := c.panel.ExpireCommand(commandID); len(keys) > 0 {
		c.log.Warn("control: command not acknowledged, rolled back", "command_id", commandID, "signals", keys)
	}
}

func (c *Controller) record(cmd Command, err error) {
	if c.opts.OnCommand == nil {
		return
	}
	if err != nil {
		cmd.Error = err.Error()
	}
	c.opts.OnCommand(cmd)
}
