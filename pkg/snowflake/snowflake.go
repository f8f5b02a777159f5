package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

type Node struct {
	mu    sync.Mutex
	time  int64
	node  int64
	step  int64
	epoch int64
}

func NewNode(node int64) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, errors.New("node number must be between 0 and 1023")
	}
	return &Node{
		node:  node,
		epoch: epoch,
	}, nil
}

// Generate returns the next id. Ids from one node are strictly increasing.
func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now().UnixMilli()

	if now < n.time {
		// Clock moved backwards; keep issuing from the last seen millisecond.
		now = n.time
	}

	if n.time == now {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.time {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		n.step = 0
	}

	n.time = now

	return ((now - n.epoch) << timeShift) | (n.node << nodeShift) | n.step
}

// Time extracts the millisecond timestamp encoded in id.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + epoch).UTC()
}

// Sequencer hands out message ids together with timestamps from a strictly
// increasing microsecond clock. Read marks taken with Now share the clock, so
// anything sequenced after a mark is strictly later than it.
type Sequencer struct {
	mu   sync.Mutex
	node *Node
	last time.Time
	now  func() time.Time
}

func NewSequencer(node *Node) *Sequencer {
	return &Sequencer{node: node, now: time.Now}
}

// Next returns an id and its creation time. Both increase together.
func (s *Sequencer) Next() (int64, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node.Generate(), s.stampLocked()
}

// Now returns a timestamp strictly after every one handed out before.
func (s *Sequencer) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stampLocked()
}

func (s *Sequencer) stampLocked() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}
