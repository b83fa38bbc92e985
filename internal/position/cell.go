package position

// Phase is the lifecycle state of a fetch group.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhasePending
	PhaseResolved
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePending:
		return "pending"
	case PhaseResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Cell holds the latest known value of one asynchronous source, tagged with
// the generation (account + pair set) it was requested under and the sequence
// number of the request that produced it.
//
// Once resolved for a generation a cell stays resolved; later requests in the
// same generation only replace the value.
type Cell[T any] struct {
	phase      Phase
	generation uint64
	seq        uint64
	value      T
	err        error
}

// Request marks the cell pending for gen unless it already holds a value for
// that generation.
func (c *Cell[T]) Request(gen uint64) {
	if c.generation == gen && c.phase != PhaseIdle {
		return
	}
	var zero T
	c.phase = PhasePending
	c.generation = gen
	c.seq = 0
	c.value = zero
	c.err = nil
}

// Resolve stores v if it belongs to the cell's generation and is not older
// than the value already held. It returns false for stale results.
func (c *Cell[T]) Resolve(gen, seq uint64, v T) bool {
	if c.phase == PhaseIdle || gen != c.generation {
		return false
	}
	if c.phase == PhaseResolved && seq < c.seq {
		return false
	}
	c.phase = PhaseResolved
	c.seq = seq
	c.value = v
	c.err = nil
	return true
}

// Fail records a fetch error without changing the phase. A pending cell stays
// pending; a resolved cell keeps its last value.
func (c *Cell[T]) Fail(gen uint64, err error) bool {
	if c.phase == PhaseIdle || gen != c.generation {
		return false
	}
	c.err = err
	return true
}

// Reset returns the cell to idle.
func (c *Cell[T]) Reset() {
	*c = Cell[T]{}
}

// Ready reports whether the cell is resolved for gen.
func (c *Cell[T]) Ready(gen uint64) bool {
	return c.phase == PhaseResolved && c.generation == gen
}

func (c *Cell[T]) Phase() Phase { return c.phase }

func (c *Cell[T]) Generation() uint64 { return c.generation }

func (c *Cell[T]) Value() T { return c.value }

func (c *Cell[T]) Err() error { return c.err }
