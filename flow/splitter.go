package flow

// NewSplitter builds a Stage whose user function returns an iterable
// result: each element becomes a child envelope, broadcast to every
// outbound channel, with the split counter incremented by the number of
// children emitted (not by one). Downstream stages bind their task
// counter to the split counter rather than the success counter (see
// Stage.addPrevStage).
func NewSplitter(funcName string, fn Func, opts ...Option) *Stage {
	s := NewStage(funcName, fn, opts...)
	s.kind = kindSplitter
	s.className = "TaskSplitter"
	s.onSuccess = splitterSuccessHandler
	return s
}

// SplitCount reports the current value of the splitter's fan-out
// counter, the same counter downstream stages bind into their own
// task_counter.
func (s *Stage) SplitCount() int64 { return s.splitCounter.Load() }

func splitterSuccessHandler(s *Stage, parent Envelope, result any) error {
	children := toIterable(result)
	for i, el := range children {
		childID := s.provenance.Derive(EventSplit, []string{parent.ID}, i, el)
		s.outQ.Put(Envelope{Task: el, ID: childID})
	}
	s.splitCounter.Add(int64(len(children)))
	s.successCounter.Add(1)
	return nil
}
