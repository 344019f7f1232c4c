// Package telemetry emits standardized optimizer events. Handlers are
// panic-isolated so an observer can never affect an optimization run.
package telemetry

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promptforge/teleprompt/internal/log"
)

// Event names emitted by the core.
const (
	BootstrapStart     = "teleprompter/bootstrap/start"
	BootstrapStop      = "teleprompter/bootstrap/stop"
	BootstrapException = "teleprompter/bootstrap/exception"

	SimbaStart             = "teleprompter/simba/start"
	SimbaStop              = "teleprompter/simba/stop"
	SimbaIterationStart    = "teleprompter/simba/iteration/start"
	SimbaIterationStop     = "teleprompter/simba/iteration/stop"
	SimbaTrajectoryStart   = "teleprompter/simba/trajectory/start"
	SimbaTrajectorySampled = "teleprompter/simba/trajectory/sampled"
	SimbaBucketStart       = "teleprompter/simba/bucket/start"
	SimbaBucketCreated     = "teleprompter/simba/bucket/created"
	SimbaStrategyStart     = "teleprompter/simba/strategy/start"
	SimbaStrategyApplied   = "teleprompter/simba/strategy/applied"
	SimbaError             = "teleprompter/simba/error"

	BeaconStart                 = "teleprompter/beacon/start"
	BeaconStop                  = "teleprompter/beacon/stop"
	BeaconInstructionStart      = "teleprompter/beacon/instruction/start"
	BeaconInstructionStop       = "teleprompter/beacon/instruction/stop"
	BeaconOptimizationStart     = "teleprompter/beacon/optimization/start"
	BeaconOptimizationStop      = "teleprompter/beacon/optimization/stop"
	BeaconOptimizationException = "teleprompter/beacon/optimization/exception"

	EvaluateRunStart     = "evaluate/run/start"
	EvaluateRunStop      = "evaluate/run/stop"
	EvaluateRunException = "evaluate/run/exception"
	EvaluateExampleStart = "evaluate/example/start"
	EvaluateExampleStop  = "evaluate/example/stop"
)

// Event is one telemetry record.
type Event struct {
	// Name is one of the constants above
	Name string

	// CorrelationID ties the event to one optimization run
	CorrelationID string

	// Measurements holds numeric observations (durations, counts, scores)
	Measurements map[string]float64

	// Metadata holds everything else
	Metadata map[string]interface{}

	// Time is when the event was emitted
	Time time.Time
}

// Handler observes events.
type Handler func(Event)

// Emitter fans events out to registered handlers.
type Emitter struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewEmitter creates an emitter with no handlers.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Attach registers a handler.
func (e *Emitter) Attach(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Emit delivers an event to every handler. A panicking handler is logged
// and skipped.
func (e *Emitter) Emit(name, correlationID string, measurements map[string]float64, metadata map[string]interface{}) {
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Name:          name,
		CorrelationID: correlationID,
		Measurements:  measurements,
		Metadata:      metadata,
		Time:          time.Now(),
	}
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.L().Debugw("telemetry handler panicked", "event", name, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

var defaultEmitter = NewEmitter()

// Default returns the process-wide emitter.
func Default() *Emitter {
	return defaultEmitter
}

// Emit delivers an event through the default emitter.
func Emit(name, correlationID string, measurements map[string]float64, metadata map[string]interface{}) {
	defaultEmitter.Emit(name, correlationID, measurements, metadata)
}

// Attach registers a handler on the default emitter.
func Attach(h Handler) {
	defaultEmitter.Attach(h)
}

// NewCorrelationID returns a short opaque run identifier.
func NewCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
