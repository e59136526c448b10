package flow

// Graph-builder convenience constructors for the common shapes: chain,
// loop, cross and fully-connected mesh. These are pure convenience over
// Stage.SetGraphContext/NewGraph: they introduce no new runtime
// semantics, only common wiring patterns.

// TaskChain wires stages into a linear pipeline, each feeding the next,
// and returns the single root (stages[0]) ready for NewGraph.
func TaskChain(stages ...*Stage) []*Stage {
	for i, st := range stages {
		if i == len(stages)-1 {
			st.SetGraphContext(nil, StageModeSerial, st.Name())
			continue
		}
		st.SetGraphContext([]*Stage{stages[i+1]}, StageModeSerial, st.Name())
	}
	if len(stages) == 0 {
		return nil
	}
	return []*Stage{stages[0]}
}

// TaskLoop wires stages into a linear pipeline whose last stage feeds
// back into the first, and returns the single entry stage. Callers
// building a graph from a TaskLoop should pass
// WithPutTerminationSignal(false) to NewGraph, since loop graphs have
// no natural completion.
func TaskLoop(stages ...*Stage) []*Stage {
	if len(stages) == 0 {
		return nil
	}
	for i, st := range stages {
		next := stages[(i+1)%len(stages)]
		st.SetGraphContext([]*Stage{next}, StageModeSerial, st.Name())
	}
	return []*Stage{stages[0]}
}

// TaskCross wires every stage in from to feed every stage in to, and
// returns from as the roots list.
func TaskCross(from, to []*Stage) []*Stage {
	for _, a := range from {
		a.SetGraphContext(to, StageModeSerial, a.Name())
	}
	return from
}

// TaskComplete wires stages into a fully-connected mesh: every stage
// feeds every other stage in the set.
func TaskComplete(stages []*Stage) []*Stage {
	for _, st := range stages {
		var next []*Stage
		for _, other := range stages {
			if other != st {
				next = append(next, other)
			}
		}
		st.SetGraphContext(next, StageModeSerial, st.Name())
	}
	return stages
}
