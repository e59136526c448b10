package flow

import "testing"

func TestNoopProvenanceDeriveDeterministic(t *testing.T) {
	p := NoopProvenance{}
	a := p.Derive(EventSplit, []string{"parent-1"}, 0, "child")
	b := p.Derive(EventSplit, []string{"parent-1"}, 0, "child")
	if a != b {
		t.Fatalf("expected deterministic derivation, got %q != %q", a, b)
	}
}

func TestNoopProvenanceDistinguishesSiblingsByIndex(t *testing.T) {
	p := NoopProvenance{}
	a := p.Derive(EventSplit, []string{"parent-1"}, 0, "child")
	b := p.Derive(EventSplit, []string{"parent-1"}, 1, "child")
	if a == b {
		t.Fatalf("expected distinct ids for distinct sibling indices, got %q", a)
	}
}

func TestNoopProvenanceDistinguishesDifferentParents(t *testing.T) {
	p := NoopProvenance{}
	a := p.Derive(EventSplit, []string{"parent-1"}, 0, "child")
	b := p.Derive(EventSplit, []string{"parent-2"}, 0, "child")
	if a == b {
		t.Fatalf("expected distinct ids for distinct parents, got %q", a)
	}
}

func TestNoopProvenanceTerminationMergeWithoutParentsIsRandom(t *testing.T) {
	p := NoopProvenance{}
	a := p.Derive(EventTerminationMerge, nil, 0, nil)
	b := p.Derive(EventTerminationMerge, nil, 0, nil)
	if a == b {
		t.Fatalf("expected random ids when no parents are given, got equal ids %q", a)
	}
}

func TestNoopProvenanceTerminationMergeWithParentsDeterministic(t *testing.T) {
	p := NoopProvenance{}
	parents := []string{"t1", "t2"}
	a := p.Derive(EventTerminationMerge, parents, 0, nil)
	b := p.Derive(EventTerminationMerge, parents, 0, nil)
	if a != b {
		t.Fatalf("expected deterministic merge id for the same parent set, got %q != %q", a, b)
	}
}
