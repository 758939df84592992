package hio

import (
	"testing"
	"time"
)

func TestClockOrdersByDeadlineThenSeq(t *testing.T) {
	c := newClock()
	now := time.Now()
	c.refresh()

	var fired []string
	fire := func(tag timerTag, owner any) { fired = append(fired, owner.(string)) }

	c.insert(now.Add(30*time.Millisecond), timerTagUser, "third")
	c.insert(now.Add(10*time.Millisecond), timerTagUser, "first")
	c.insert(now.Add(10*time.Millisecond), timerTagUser, "second") // same deadline, later seq

	c.popExpired(now.Add(time.Hour), fire)

	if len(fired) != 3 {
		t.Fatalf("expected 3 fired timers, got %d", len(fired))
	}
	if fired[0] != "first" || fired[1] != "second" || fired[2] != "third" {
		t.Fatalf("unexpected fire order: %v", fired)
	}
}

func TestClockCancelIsIdempotent(t *testing.T) {
	c := newClock()
	now := time.Now()
	c.refresh()

	e := c.insert(now.Add(time.Second), timerTagUser, "x")
	c.cancel(e)
	c.cancel(e) // must not panic or double-remove

	fired := 0
	c.popExpired(now.Add(time.Hour), func(timerTag, any) { fired++ })
	if fired != 0 {
		t.Fatalf("canceled timer must not fire, got %d fires", fired)
	}
}

func TestClockUpdateReordersHeap(t *testing.T) {
	c := newClock()
	now := time.Now()
	c.refresh()

	early := c.insert(now.Add(5*time.Millisecond), timerTagUser, "early")
	late := c.insert(now.Add(50*time.Millisecond), timerTagUser, "late")

	c.update(late, now.Add(1*time.Millisecond)) // late becomes earliest

	var fired []string
	c.popExpired(now.Add(time.Hour), func(_ timerTag, owner any) { fired = append(fired, owner.(string)) })

	if len(fired) != 2 || fired[0] != "late" || fired[1] != "early" {
		t.Fatalf("update did not reorder heap: %v", fired)
	}
}

func TestTimeoutForCapsAndBlocksIndefinitely(t *testing.T) {
	c := newClock()
	now := time.Now()
	c.refresh()

	if d := c.timeoutFor(now, 0); d != -1 {
		t.Fatalf("expected -1 (block indefinitely) with no timers and no cap, got %v", d)
	}
	if d := c.timeoutFor(now, 250*time.Millisecond); d != 250*time.Millisecond {
		t.Fatalf("expected cap to apply with no timers, got %v", d)
	}

	c.insert(now.Add(10*time.Second), timerTagUser, "far")
	if d := c.timeoutFor(now, 250*time.Millisecond); d != 250*time.Millisecond {
		t.Fatalf("expected cap to win over a far deadline, got %v", d)
	}
}
