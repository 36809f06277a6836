package flow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"vpdcalc/internal/entry"
	"vpdcalc/internal/task"
)

// Step IDs
const (
	StepUser              = "user"
	StepThresholds        = "thresholds"
	StepInit              = "init"
	StepThresholdsOptions = "thresholds_options"
)

// Flow handlers
const (
	HandlerConfig  = "config"
	HandlerOptions = "options"
)

// ResultType is the outcome of a flow step
type ResultType string

const (
	ResultForm        ResultType = "form"
	ResultCreateEntry ResultType = "create_entry"
	ResultAbort       ResultType = "abort"
)

const (
	// DefaultTTL is how long an untouched flow is kept
	DefaultTTL = time.Hour

	sweepInterval = 5 * time.Minute
)

var (
	// ErrFlowNotFound is returned for unknown or expired flow IDs
	ErrFlowNotFound = errors.New("flow not found")
)

// EntryManager creates and updates entries. calculator.Manager implements it.
type EntryManager interface {
	CreateEntry(ctx context.Context, data entry.Data) (*entry.Entry, error)
	UpdateEntry(ctx context.Context, id string, data entry.Data) (*entry.Entry, error)
	Get(id string) (*entry.Entry, error)
}

// Result is returned by every flow operation
type Result struct {
	FlowID     string       `json:"flow_id"`
	Handler    string       `json:"handler"`
	Type       ResultType   `json:"type"`
	StepID     string       `json:"step_id,omitempty"`
	DataSchema []Field      `json:"data_schema,omitempty"`
	Errors     Errors       `json:"errors,omitempty"`
	Title      string       `json:"title,omitempty"`
	Entry      *entry.Entry `json:"result,omitempty"`
	Reason     string       `json:"reason,omitempty"`
}

// Flow is one wizard in progress
type Flow struct {
	mu sync.Mutex

	ID      string
	Handler string
	EntryID string
	StepID  string
	Data    map[string]interface{}

	last      *Result
	createdAt time.Time
	updatedAt time.Time
}

func userSchema() Schema {
	return Schema{
		{Key: entry.KeyName, Required: true, Selector: TextSelector()},
		{Key: entry.KeyTempSensor, Required: true, Selector: EntitySelector("sensor", "temperature")},
		{Key: entry.KeyHumiditySensor, Required: true, Selector: EntitySelector("sensor", "humidity")},
		{Key: entry.KeyLeafDelta, Default: entry.DefaultLeafDelta,
			Selector: NumberSelector(entry.LeafDeltaMin, entry.LeafDeltaMax, entry.LeafDeltaStep, "box")},
		{Key: entry.KeyTargetDevice, Selector: DeviceSelector()},
		{Key: entry.KeyCreateThresholds, Default: true, Selector: BooleanSelector()},
	}
}

func thresholdSchema() Schema {
	sel := NumberSelector(entry.ThresholdMinLimit, entry.ThresholdMaxLimit, entry.ThresholdStep, "box")
	return Schema{
		{Key: entry.KeyInitialMinVPD, Default: entry.DefaultMinVPD, Selector: sel},
		{Key: entry.KeyInitialMaxVPD, Default: entry.DefaultMaxVPD, Selector: sel},
	}
}

// Manager keeps the flows in progress
type Manager struct {
	entries EntryManager
	lookup  EntityLookup
	logger  *log.Logger
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	flows map[string]*Flow
}

// NewManager creates a flow manager. lookup may be nil.
func NewManager(entries EntryManager, lookup EntityLookup, logger *log.Logger) *Manager {
	return &Manager{
		entries: entries,
		lookup:  lookup,
		logger:  logger,
		ttl:     DefaultTTL,
		now:     time.Now,
		flows:   make(map[string]*Flow),
	}
}

// Run expires idle flows until ctx is cancelled
func (m *Manager) Run(ctx context.Context) {
	task.RunPeriodic(ctx, sweepInterval, m.logger, "Flows", func(context.Context) error {
		if n := m.Sweep(); n > 0 && m.logger != nil {
			m.logger.Printf("[Flows] Expired %d idle flows", n)
		}
		return nil
	})
}

// Sweep removes flows idle for longer than the TTL and returns how many
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, f := range m.flows {
		f.mu.Lock()
		idle := f.updatedAt.Before(cutoff)
		f.mu.Unlock()
		if idle {
			delete(m.flows, id)
			removed++
		}
	}
	return removed
}

// Start begins a config flow at the user step
func (m *Manager) Start(ctx context.Context) (*Result, error) {
	f := m.newFlow(HandlerConfig, "", StepUser, map[string]interface{}{})

	f.mu.Lock()
	defer f.mu.Unlock()
	return m.showForm(f, userSchema(), nil), nil
}

// StartOptions begins an options flow for an existing entry
func (m *Manager) StartOptions(ctx context.Context, entryID string) (*Result, error) {
	e, err := m.entries.Get(entryID)
	if err != nil {
		return nil, err
	}

	f := m.newFlow(HandlerOptions, e.ID, StepInit, e.Data.ToMap())

	f.mu.Lock()
	defer f.mu.Unlock()
	return m.showForm(f, userSchema().WithDefaults(f.Data), nil), nil
}

func (m *Manager) newFlow(handler, entryID, step string, data map[string]interface{}) *Flow {
	now := m.now()
	f := &Flow{
		ID:        entry.NewID(),
		Handler:   handler,
		EntryID:   entryID,
		StepID:    step,
		Data:      data,
		createdAt: now,
		updatedAt: now,
	}

	m.mu.Lock()
	m.flows[f.ID] = f
	m.mu.Unlock()
	return f
}

func (m *Manager) flow(flowID string) (*Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[flowID]
	if !ok {
		return nil, ErrFlowNotFound
	}
	return f, nil
}

func (m *Manager) drop(flowID string) {
	m.mu.Lock()
	delete(m.flows, flowID)
	m.mu.Unlock()
}

// Get returns the current step of a flow
func (m *Manager) Get(flowID string) (*Result, error) {
	f, err := m.flow(flowID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, nil
}

// Abort discards a flow
func (m *Manager) Abort(flowID string) error {
	if _, err := m.flow(flowID); err != nil {
		return err
	}
	m.drop(flowID)
	return nil
}

// Configure submits input to the current step of a flow
func (m *Manager) Configure(ctx context.Context, flowID string, input map[string]interface{}) (*Result, error) {
	f, err := m.flow(flowID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.updatedAt = m.now()

	if input == nil {
		input = map[string]interface{}{}
	}

	switch f.StepID {
	case StepUser, StepInit:
		return m.stepUser(ctx, f, input)
	case StepThresholds, StepThresholdsOptions:
		return m.stepThresholds(ctx, f, input)
	default:
		return nil, fmt.Errorf("flow %s is in unknown step %q", f.ID, f.StepID)
	}
}

// stepUser handles the user step of the config flow and the init step of the options flow
func (m *Manager) stepUser(ctx context.Context, f *Flow, input map[string]interface{}) (*Result, error) {
	schema := userSchema()
	if f.Handler == HandlerOptions {
		schema = schema.WithDefaults(f.Data)
	}

	values, errs := schema.Validate(ctx, input, m.lookup)
	if errs != nil {
		return m.showForm(f, schema, errs), nil
	}
	merge(f.Data, values)

	if enabled, _ := f.Data[entry.KeyCreateThresholds].(bool); enabled {
		f.StepID = StepThresholds
		if f.Handler == HandlerOptions {
			f.StepID = StepThresholdsOptions
		}
		return m.showForm(f, thresholdSchema().WithDefaults(f.Data), nil), nil
	}
	return m.finish(ctx, f)
}

func (m *Manager) stepThresholds(ctx context.Context, f *Flow, input map[string]interface{}) (*Result, error) {
	schema := thresholdSchema().WithDefaults(f.Data)

	values, errs := schema.Validate(ctx, input, m.lookup)
	if errs != nil {
		return m.showForm(f, schema, errs), nil
	}

	minVPD, _ := values[entry.KeyInitialMinVPD].(float64)
	maxVPD, _ := values[entry.KeyInitialMaxVPD].(float64)
	if minVPD >= maxVPD {
		return m.showForm(f, schema, Errors{BaseError: ErrMinMaxInvalid}), nil
	}

	merge(f.Data, values)
	return m.finish(ctx, f)
}

// finish creates or updates the entry and closes the flow
func (m *Manager) finish(ctx context.Context, f *Flow) (*Result, error) {
	data, err := entry.DataFromMap(f.Data)
	if err != nil {
		return m.showForm(f, m.currentSchema(f), Errors{BaseError: ErrInvalidConfig}), nil
	}

	var e *entry.Entry
	switch f.Handler {
	case HandlerOptions:
		// New initial thresholds replace the current ones
		data.MinVPD, data.MaxVPD = 0, 0
		e, err = m.entries.UpdateEntry(ctx, f.EntryID, data)
		if errors.Is(err, entry.ErrNotFound) {
			m.drop(f.ID)
			return &Result{FlowID: f.ID, Handler: f.Handler, Type: ResultAbort, Reason: "entry_not_found"}, nil
		}
	default:
		e, err = m.entries.CreateEntry(ctx, data)
	}

	if errors.Is(err, entry.ErrInvalid) {
		return m.showForm(f, m.currentSchema(f), Errors{BaseError: ErrInvalidConfig}), nil
	}
	if err != nil {
		return nil, err
	}

	m.drop(f.ID)
	if m.logger != nil {
		m.logger.Printf("[Flows] %s flow %s finished for entry %s (%s)", f.Handler, f.ID, e.ID, e.Title)
	}
	return &Result{
		FlowID:  f.ID,
		Handler: f.Handler,
		Type:    ResultCreateEntry,
		Title:   e.Title,
		Entry:   e,
	}, nil
}

func (m *Manager) currentSchema(f *Flow) Schema {
	switch f.StepID {
	case StepThresholds, StepThresholdsOptions:
		return thresholdSchema().WithDefaults(f.Data)
	}
	if f.Handler == HandlerOptions {
		return userSchema().WithDefaults(f.Data)
	}
	return userSchema()
}

// showForm must be called with f.mu held
func (m *Manager) showForm(f *Flow, schema Schema, errs Errors) *Result {
	r := &Result{
		FlowID:     f.ID,
		Handler:    f.Handler,
		Type:       ResultForm,
		StepID:     f.StepID,
		DataSchema: schema.Describe(),
		Errors:     errs,
	}
	f.last = r
	return r
}

func merge(dst, src map[string]interface{}) {
	for k, v := range src {
		dst[k] = v
	}
}
