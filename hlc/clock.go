package hlc

import (
	"sync"
	"time"
)

// Clock implements a Hybrid Logical Clock. Snapshot and version timestamps
// drawn from one clock are totally ordered even when two events land on the
// same wall-clock nanosecond.
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	mu       sync.Mutex
}

// Timestamp represents a point in time. WallTime is nanoseconds since epoch;
// Logical breaks ties between events with the same wall time.
type Timestamp struct {
	WallTime int64
	Logical  int32
	NodeID   uint64
}

// Zero is the timestamp before all others.
var Zero = Timestamp{}

// NewClock creates a new HLC instance
func NewClock(nodeID uint64) *Clock {
	return &Clock{
		nodeID:   nodeID,
		wallTime: time.Now().UnixNano(),
		logical:  0,
	}
}

// Now generates a new timestamp for a local event. Successive calls on the
// same clock always return strictly increasing timestamps.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()
	if physicalNow > c.wallTime {
		c.wallTime = physicalNow
		c.logical = 0
	} else {
		c.logical++
	}

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// Update advances the clock past a timestamp received from another node and
// returns the updated current time. Used when this core participates in a
// distributed transaction and observes a remote coordinator's timestamp.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := time.Now().UnixNano()

	maxWall := c.wallTime
	if remote.WallTime > maxWall {
		maxWall = remote.WallTime
	}
	if physicalNow > maxWall {
		maxWall = physicalNow
	}

	switch {
	case maxWall == c.wallTime && maxWall == remote.WallTime:
		if remote.Logical > c.logical {
			c.logical = remote.Logical + 1
		} else {
			c.logical++
		}
	case maxWall == remote.WallTime:
		c.logical = remote.Logical + 1
	case maxWall == physicalNow && maxWall > c.wallTime:
		c.logical = 0
	default:
		c.logical++
	}
	c.wallTime = maxWall

	return Timestamp{
		WallTime: c.wallTime,
		Logical:  c.logical,
		NodeID:   c.nodeID,
	}
}

// Compare compares two timestamps
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b Timestamp) int {
	if a.WallTime < b.WallTime {
		return -1
	}
	if a.WallTime > b.WallTime {
		return 1
	}
	if a.Logical < b.Logical {
		return -1
	}
	if a.Logical > b.Logical {
		return 1
	}
	// Node ID breaks ties between distinct nodes
	if a.NodeID < b.NodeID {
		return -1
	}
	if a.NodeID > b.NodeID {
		return 1
	}
	return 0
}

// Less returns true if a happened before b
func Less(a, b Timestamp) bool {
	return Compare(a, b) < 0
}

// LessEq returns true if a happened before or at b
func LessEq(a, b Timestamp) bool {
	return Compare(a, b) <= 0
}

// Equal returns true if timestamps are equal
func Equal(a, b Timestamp) bool {
	return Compare(a, b) == 0
}

// After returns true if a happened after b
func After(a, b Timestamp) bool {
	return Compare(a, b) > 0
}

// PhysicalTime returns the physical time component as time.Time
func (t Timestamp) PhysicalTime() time.Time {
	return time.Unix(0, t.WallTime)
}

// String returns a human-readable representation
func (t Timestamp) String() string {
	return t.PhysicalTime().Format(time.RFC3339Nano)
}
