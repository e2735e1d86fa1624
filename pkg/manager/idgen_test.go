package manager

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestIDGeneratorMonotonicWithinOneSecond(t *testing.T) {
	var g idGenerator
	now := time.Unix(1700000000, 0)

	var prev int64
	for i := 0; i < 10; i++ {
		id := g.next(now) // clock never advances
		num, err := strconv.ParseInt(strings.TrimPrefix(id, "b-"), 10, 64)
		if err != nil {
			t.Fatalf("id %q is not b-<number>: %v", id, err)
		}
		if i > 0 && num <= prev {
			t.Fatalf("id %d (%d) not strictly greater than previous (%d)", i, num, prev)
		}
		prev = num
	}
}

func TestIDGeneratorFollowsClock(t *testing.T) {
	var g idGenerator
	first := g.next(time.Unix(1700000000, 0))
	second := g.next(time.Unix(1700000100, 0))
	if first != "b-1700000000" || second != "b-1700000100" {
		t.Errorf("ids = %q, %q", first, second)
	}
}
