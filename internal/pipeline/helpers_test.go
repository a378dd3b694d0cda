package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openlistings/harvester/internal/pipeline"
	"github.com/openlistings/harvester/internal/progress"
)

// fakeClock returns a fixed instant advanced manually by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// seqIDs hands out deterministic identifiers.
type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

// collector records emitted progress events.
type collector struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *collector) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collector) Stages() []progress.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	stages := make([]progress.Stage, 0, len(c.events))
	for _, evt := range c.events {
		stages = append(stages, evt.Stage)
	}
	return stages
}

func (c *collector) Count(stage progress.Stage) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, evt := range c.events {
		if evt.Stage == stage {
			n++
		}
	}
	return n
}

// fakeProvider scripts provider behavior per call. With no hooks set it
// assigns sequential handles, reports every handle ready on the first poll,
// and serves back the submitted items as a JSON array.
type fakeProvider struct {
	mu        sync.Mutex
	submits   int
	fetches   int
	polls     map[string]int
	submitted map[string][]pipeline.Item
	hooks     []*pipeline.WebhookConfig

	submitFn func(call int, items []pipeline.Item, hook *pipeline.WebhookConfig) (string, error)
	pollFn   func(handle string, attempt int) (pipeline.Signal, error)
	fetchFn  func(handle string) ([]byte, error)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		polls:     make(map[string]int),
		submitted: make(map[string][]pipeline.Item),
	}
}

func (p *fakeProvider) Submit(_ context.Context, items []pipeline.Item, hook *pipeline.WebhookConfig) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	p.hooks = append(p.hooks, hook)
	if p.submitFn != nil {
		handle, err := p.submitFn(p.submits, items, hook)
		if err != nil {
			return "", err
		}
		p.submitted[handle] = items
		return handle, nil
	}
	handle := fmt.Sprintf("snap-%04d", p.submits)
	p.submitted[handle] = items
	return handle, nil
}

func (p *fakeProvider) PollStatus(_ context.Context, handle string) (pipeline.Signal, error) {
	p.mu.Lock()
	attempt := p.polls[handle]
	p.polls[handle]++
	p.mu.Unlock()
	if p.pollFn != nil {
		return p.pollFn(handle, attempt)
	}
	return pipeline.Signal{Handle: handle, Status: pipeline.StatusReady}, nil
}

func (p *fakeProvider) FetchResult(_ context.Context, handle string) ([]byte, error) {
	p.mu.Lock()
	p.fetches++
	items := p.submitted[handle]
	p.mu.Unlock()
	if p.fetchFn != nil {
		return p.fetchFn(handle)
	}
	return json.Marshal(items)
}

func (p *fakeProvider) Hooks() []*pipeline.WebhookConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*pipeline.WebhookConfig(nil), p.hooks...)
}

func (p *fakeProvider) SubmitCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}

func (p *fakeProvider) FetchCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

func (p *fakeProvider) PollCalls(handle string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls[handle]
}

// fastDetectorConfig keeps retries in the microsecond range so tests never
// sleep for real intervals.
func fastDetectorConfig() pipeline.DetectorConfig {
	return pipeline.DetectorConfig{
		PollInterval:        time.Millisecond,
		WebhookPollInterval: time.Millisecond,
		MaxPollAttempts:     5,
		MaxWebhookAttempts:  5,
		Backoff:             1,
		Deadline:            5 * time.Second,
	}
}
