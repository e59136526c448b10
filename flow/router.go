package flow

import (
	"fmt"
	"sync/atomic"
)

// NewRouter builds a Stage whose user function returns a RouterResult
// selecting exactly one outbound channel by tag. Invalid targets raise
// a configuration error that lands on the failure queue.
func NewRouter(funcName string, fn Func, opts ...Option) *Stage {
	s := NewStage(funcName, fn, opts...)
	s.kind = kindRouter
	s.className = "TaskRouter"
	s.routeCounters = make(map[string]*atomic.Int64)
	s.onSuccess = routerSuccessHandler
	return s
}

// RouteCount reports how many envelopes have been routed to the given
// target tag so far.
func (s *Stage) RouteCount(target string) int64 {
	s.routeMu.Lock()
	c, ok := s.routeCounters[target]
	s.routeMu.Unlock()
	if !ok {
		return 0
	}
	return c.Load()
}

func routerSuccessHandler(s *Stage, parent Envelope, result any) error {
	rr, ok := result.(RouterResult)
	if !ok {
		return NewConfigurationError(fmt.Sprintf("router %s: function must return a RouterResult, got %T", s.tag, result), nil)
	}

	childID := s.provenance.Derive(EventRoute, []string{parent.ID}, 0, rr.Payload)
	if err := s.outQ.PutTarget(Envelope{Task: rr.Payload, ID: childID}, rr.Target); err != nil {
		return NewConfigurationError(fmt.Sprintf("router %s: invalid target %q", s.tag, rr.Target), err)
	}

	s.routeMu.Lock()
	counter, exists := s.routeCounters[rr.Target]
	if !exists {
		counter = &atomic.Int64{}
		s.routeCounters[rr.Target] = counter
	}
	s.routeMu.Unlock()
	counter.Add(1)
	s.successCounter.Add(1)
	return nil
}
