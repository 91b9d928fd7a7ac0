// Package pipeline implements the ordered, named handler chain attached to a
// channel, and the Initializer contract through which a protocol variant
// installs its handlers.
//
// Inbound data enters at the head and visits InboundHandlers in insertion
// order; outbound messages enter at the tail and visit OutboundHandlers in
// reverse insertion order before the head writes the resulting bytes to the
// channel. A handler implements any subset of InboundHandler,
// OutboundHandler and ActiveHandler; a stage that does not implement the
// interface for a direction is skipped in that direction.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrDuplicateStage is returned by AddLast when the stage name is already in use.
var ErrDuplicateStage = errors.New("duplicate pipeline stage name")

// ErrNoSuchStage is returned when a named stage is not present.
var ErrNoSuchStage = errors.New("no such pipeline stage")

// Handler is any value installed as a pipeline stage.
type Handler interface{}

// InboundHandler processes messages travelling from the channel towards the application.
type InboundHandler interface {
	HandleRead(ctx *StageContext, msg interface{}) error
}

// OutboundHandler processes messages travelling from the application towards the channel.
type OutboundHandler interface {
	HandleWrite(ctx *StageContext, msg interface{}) error
}

// ActiveHandler is notified once when the channel becomes active. A
// negotiation-trigger stage uses it to start its exchange.
type ActiveHandler interface {
	ChannelActive(ctx *StageContext) error
}

// Channel is a byte stream with a pipeline attached.
type Channel interface {
	io.ReadWriteCloser
	Pipeline() *Pipeline
}

type stage struct {
	name    string
	handler Handler
}

// Pipeline is an ordered sequence of uniquely named stages.
type Pipeline struct {
	mu      sync.Mutex
	stages  []*stage
	channel Channel
	sink    io.Writer
	tail    func(msg interface{}) error
}

// New creates an empty pipeline whose head writes outbound bytes to sink.
// channel may be nil for a detached pipeline.
func New(channel Channel, sink io.Writer) *Pipeline {
	return &Pipeline{channel: channel, sink: sink}
}

// Channel returns the channel this pipeline is attached to
func (p *Pipeline) Channel() Channel {
	return p.channel
}

// AddLast appends a stage. The pipeline is unchanged if name is already taken.
func (p *Pipeline) AddLast(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("pipeline: blank stage name")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.stages {
		if s.name == name {
			return fmt.Errorf("pipeline: %q: %w", name, ErrDuplicateStage)
		}
	}
	next := make([]*stage, len(p.stages), len(p.stages)+1)
	copy(next, p.stages)
	p.stages = append(next, &stage{name: name, handler: h})
	return nil
}

// Remove deletes a named stage.
func (p *Pipeline) Remove(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.stages {
		if s.name == name {
			next := make([]*stage, 0, len(p.stages)-1)
			next = append(next, p.stages[:i]...)
			p.stages = append(next, p.stages[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("pipeline: %q: %w", name, ErrNoSuchStage)
}

// Names returns the stage names in insertion order.
func (p *Pipeline) Names() []string {
	stages := p.snapshot()
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.name
	}
	return names
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.snapshot())
}

// Get returns the handler installed under name.
func (p *Pipeline) Get(name string) (Handler, bool) {
	for _, s := range p.snapshot() {
		if s.name == name {
			return s.handler, true
		}
	}
	return nil, false
}

// SetInboundSink sets the function that receives messages which pass the last
// inbound stage. Without a sink such messages are dropped.
func (p *Pipeline) SetInboundSink(fn func(msg interface{}) error) {
	p.mu.Lock()
	p.tail = fn
	p.mu.Unlock()
}

func (p *Pipeline) snapshot() []*stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stages
}

func indexOf(stages []*stage, name string) int {
	for i, s := range stages {
		if s.name == name {
			return i
		}
	}
	return -1
}

// FireRead injects an inbound message at the head of the pipeline.
func (p *Pipeline) FireRead(msg interface{}) error {
	return p.readFrom(0, msg)
}

func (p *Pipeline) readFrom(start int, msg interface{}) error {
	stages := p.snapshot()
	for i := start; i < len(stages); i++ {
		if h, ok := stages[i].handler.(InboundHandler); ok {
			return h.HandleRead(&StageContext{p: p, name: stages[i].name}, msg)
		}
	}
	p.mu.Lock()
	tail := p.tail
	p.mu.Unlock()
	if tail != nil {
		return tail(msg)
	}
	return nil
}

// Write injects an outbound message at the tail of the pipeline.
func (p *Pipeline) Write(msg interface{}) error {
	return p.writeFrom(len(p.snapshot())-1, msg)
}

func (p *Pipeline) writeFrom(start int, msg interface{}) error {
	stages := p.snapshot()
	if start >= len(stages) {
		start = len(stages) - 1
	}
	for i := start; i >= 0; i-- {
		if h, ok := stages[i].handler.(OutboundHandler); ok {
			return h.HandleWrite(&StageContext{p: p, name: stages[i].name}, msg)
		}
	}
	b, ok := msg.([]byte)
	if !ok {
		return fmt.Errorf("pipeline: unencoded %T reached the channel", msg)
	}
	if p.sink == nil {
		return fmt.Errorf("pipeline: no channel sink")
	}
	_, err := p.sink.Write(b)
	return err
}

// FireActive notifies every ActiveHandler, in insertion order.
func (p *Pipeline) FireActive() error {
	for _, s := range p.snapshot() {
		if h, ok := s.handler.(ActiveHandler); ok {
			if err := h.ChannelActive(&StageContext{p: p, name: s.name}); err != nil {
				return err
			}
		}
	}
	return nil
}

// StageContext is handed to a handler for the duration of one call and lets
// it forward the message to its neighbours.
type StageContext struct {
	p    *Pipeline
	name string
}

// Name returns the name of the stage being invoked
func (c *StageContext) Name() string {
	return c.name
}

// Pipeline returns the pipeline the stage belongs to
func (c *StageContext) Pipeline() *Pipeline {
	return c.p
}

// FireRead passes msg to the next inbound stage after this one.
func (c *StageContext) FireRead(msg interface{}) error {
	i := indexOf(c.p.snapshot(), c.name)
	if i < 0 {
		return fmt.Errorf("pipeline: %q: %w", c.name, ErrNoSuchStage)
	}
	return c.p.readFrom(i+1, msg)
}

// Write passes msg to the next outbound stage before this one.
func (c *StageContext) Write(msg interface{}) error {
	i := indexOf(c.p.snapshot(), c.name)
	if i < 0 {
		return fmt.Errorf("pipeline: %q: %w", c.name, ErrNoSuchStage)
	}
	return c.p.writeFrom(i-1, msg)
}
