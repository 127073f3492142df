package memory

import (
	"encoding/json"

	"github.com/Ramsey-B/fern/pkg/models"
)

type assignmentKey struct {
	runID    int64
	recordID string
}

// state is the full data set. Stored values are never mutated in place, so a
// shallow map copy plus cloned pointer fields is a consistent snapshot.
type state struct {
	patients    map[string]models.Patient
	runs        map[int64]models.DedupeRun
	links       map[int64]models.Link
	linkKeys    map[models.LinkKey]int64
	assignments map[assignmentKey]models.ClusterAssignment
	events      []models.MergeEvent

	nextRunID   int64
	nextLinkID  int64
	nextEventID int64
}

func newState() *state {
	return &state{
		patients:    make(map[string]models.Patient),
		runs:        make(map[int64]models.DedupeRun),
		links:       make(map[int64]models.Link),
		linkKeys:    make(map[models.LinkKey]int64),
		assignments: make(map[assignmentKey]models.ClusterAssignment),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.patients {
		c.patients[k] = clonePatient(v)
	}
	for k, v := range s.runs {
		c.runs[k] = cloneRun(v)
	}
	for k, v := range s.links {
		c.links[k] = cloneLink(v)
	}
	for k, v := range s.linkKeys {
		c.linkKeys[k] = v
	}
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	c.events = append([]models.MergeEvent(nil), s.events...)
	c.nextRunID = s.nextRunID
	c.nextLinkID = s.nextLinkID
	c.nextEventID = s.nextEventID
	return c
}

func clonePatient(p models.Patient) models.Patient {
	if p.MergedInto != nil {
		v := *p.MergedInto
		p.MergedInto = &v
	}
	if p.DeletedAt != nil {
		v := *p.DeletedAt
		p.DeletedAt = &v
	}
	return p
}

func cloneRun(r models.DedupeRun) models.DedupeRun {
	if r.Vectorizer != nil {
		r.Vectorizer = append(json.RawMessage(nil), r.Vectorizer...)
	}
	return r
}

func cloneLink(l models.Link) models.Link {
	if l.PatientID1 != nil {
		v := *l.PatientID1
		l.PatientID1 = &v
	}
	if l.PatientID2 != nil {
		v := *l.PatientID2
		l.PatientID2 = &v
	}
	return l
}

// clusterSizes counts members per (run, cluster).
func (s *state) clusterSizes() map[assignmentKey]int {
	sizes := make(map[assignmentKey]int)
	for _, a := range s.assignments {
		sizes[assignmentKey{runID: a.RunID, recordID: a.PatientID}]++
	}
	return sizes
}

func (s *state) withSize(a models.ClusterAssignment, sizes map[assignmentKey]int) models.ClusterAssignment {
	a.Size = sizes[assignmentKey{runID: a.RunID, recordID: a.PatientID}]
	return a
}

// upsertLink keeps the higher scored link per (run, id1, id2, decision).
func (s *state) upsertLink(l models.Link) {
	key := l.Key()
	if id, ok := s.linkKeys[key]; ok {
		existing := s.links[id]
		if l.Score > existing.Score {
			l.ID = id
			s.links[id] = cloneLink(l)
		}
		return
	}
	s.nextLinkID++
	l.ID = s.nextLinkID
	s.links[l.ID] = cloneLink(l)
	s.linkKeys[key] = l.ID
}

func (s *state) deleteLink(id int64) {
	l, ok := s.links[id]
	if !ok {
		return
	}
	delete(s.linkKeys, l.Key())
	delete(s.links, id)
}
