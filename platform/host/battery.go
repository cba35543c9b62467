package host

import (
	"sync/atomic"
)

// SimCell is a battery whose voltage is set by hand. With a drain set, every
// reading lowers it until floor.
type SimCell struct {
	mv    atomic.Int32
	drain atomic.Int32
	floor int32
}

func NewSimCell(mv int) *SimCell {
	c := &SimCell{floor: 3000}
	c.mv.Store(int32(mv))
	return c
}

func (c *SimCell) SetMV(mv int)    { c.mv.Store(int32(mv)) }
func (c *SimCell) SetDrain(mv int) { c.drain.Store(int32(mv)) }

func (c *SimCell) ReadMV() (int, error) {
	v := c.mv.Load()
	if d := c.drain.Load(); d > 0 && v-d >= c.floor {
		c.mv.Store(v - d)
	}
	return int(v), nil
}
