package models

import (
	"encoding/json"
	"sort"
)

// IndexSet is a set of job indexes. It marshals as a sorted JSON array so
// that encoding a plan is deterministic.
type IndexSet map[int32]struct{}

func NewIndexSet(indexes ...int32) IndexSet {
	s := make(IndexSet, len(indexes))
	for _, i := range indexes {
		s[i] = struct{}{}
	}

	return s
}

func (s IndexSet) Add(index int32) {
	s[index] = struct{}{}
}

func (s IndexSet) Remove(index int32) {
	delete(s, index)
}

func (s IndexSet) Has(index int32) bool {
	_, ok := s[index]

	return ok
}

func (s IndexSet) Len() int {
	return len(s)
}

// Sorted returns the members in ascending order.
func (s IndexSet) Sorted() []int32 {
	out := make([]int32, 0, len(s))
	for i := range s {
		out = append(out, i)
	}

	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })

	return out
}

func (s IndexSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *IndexSet) UnmarshalJSON(data []byte) error {
	var indexes []int32

	err := json.Unmarshal(data, &indexes)
	if err != nil {
		return err
	}

	*s = NewIndexSet(indexes...)

	return nil
}

// ExecutionIDSet is a set of plan references, used by jobs to track their
// child plans. Marshals sorted by queue then id.
type ExecutionIDSet map[ExecutionID]struct{}

func NewExecutionIDSet(ids ...ExecutionID) ExecutionIDSet {
	s := make(ExecutionIDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}

	return s
}

func (s ExecutionIDSet) Add(id ExecutionID) {
	s[id] = struct{}{}
}

func (s ExecutionIDSet) Has(id ExecutionID) bool {
	_, ok := s[id]

	return ok
}

func (s ExecutionIDSet) Len() int {
	return len(s)
}

func (s ExecutionIDSet) Sorted() []ExecutionID {
	out := make([]ExecutionID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].Queue != out[b].Queue {
			return out[a].Queue < out[b].Queue
		}

		return out[a].ID < out[b].ID
	})

	return out
}

func (s ExecutionIDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *ExecutionIDSet) UnmarshalJSON(data []byte) error {
	var ids []ExecutionID

	err := json.Unmarshal(data, &ids)
	if err != nil {
		return err
	}

	*s = NewExecutionIDSet(ids...)

	return nil
}
