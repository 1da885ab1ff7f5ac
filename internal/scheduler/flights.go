package scheduler

import (
	"hash/fnv"
	"sync"
)

const flightShards = 32

// Flights tracks which agents have a scheduled execution in flight. Sharded
// by agent so unrelated agents never contend on one lock.
type Flights struct {
	shards [flightShards]*flightShard
}

type flightShard struct {
	mu      sync.Mutex
	byAgent map[string]string // agent id -> execution id
}

// NewFlights creates an empty tracker.
func NewFlights() *Flights {
	f := &Flights{}
	for i := range f.shards {
		f.shards[i] = &flightShard{byAgent: make(map[string]string)}
	}
	return f
}

func (f *Flights) shard(agentID string) *flightShard {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	return f.shards[h.Sum32()%flightShards]
}

// TryLaunch marks the agent as having a scheduled execution in flight. It
// fails when a previous scheduled execution has not landed yet.
func (f *Flights) TryLaunch(agentID, execID string) bool {
	s := f.shard(agentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byAgent[agentID]; exists {
		return false
	}
	s.byAgent[agentID] = execID
	return true
}

// Land clears the in-flight marker. Only the execution that launched the
// flight may land it, so stale or duplicate finalizations are harmless.
func (f *Flights) Land(agentID, execID string) {
	s := f.shard(agentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byAgent[agentID] == execID {
		delete(s.byAgent, agentID)
	}
}

// InFlight returns the execution currently holding the agent's flight.
func (f *Flights) InFlight(agentID string) (string, bool) {
	s := f.shard(agentID)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAgent[agentID]
	return id, ok
}
