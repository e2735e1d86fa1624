package manager

import (
	"fmt"
	"time"
)

// idGenerator produces breakpoint ids of the form b-<seconds>. The id
// is derived from the wall clock but bumped past the previous value
// when the clock has not advanced, so rapid-fire creation within one
// second still yields strictly increasing ids. Callers hold the
// manager lock.
type idGenerator struct {
	last int64
}

func (g *idGenerator) next(now time.Time) string {
	sec := now.Unix()
	if sec <= g.last {
		sec = g.last + 1
	}
	g.last = sec
	return fmt.Sprintf("b-%d", sec)
}
