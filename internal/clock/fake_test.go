package clock

import (
	"testing"
	"time"
)

func TestFake_AdvanceFiresInOrderIncludingChained(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var got []string
	c.AfterFunc(3*time.Second, func() { got = append(got, "c") })
	c.AfterFunc(1*time.Second, func() {
		got = append(got, "a")
		c.AfterFunc(1*time.Second, func() { got = append(got, "b") })
	})

	c.Advance(5 * time.Second)

	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("fire order = %v; want [a b c]", got)
	}
	if !c.Now().Equal(time.Unix(5, 0)) {
		t.Fatalf("now = %v; want +5s", c.Now())
	}
	if c.Active() != 0 {
		t.Fatalf("expected no active timers, got %d", c.Active())
	}
}

func TestFake_StopAndJump(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatalf("first Stop should report true")
	}
	if tm.Stop() {
		t.Fatalf("second Stop should report false")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Fatalf("stopped timer fired")
	}

	c.AfterFunc(time.Second, func() { fired = true })
	c.Jump(10 * time.Second)
	if fired {
		t.Fatalf("Jump must not fire timers")
	}
	if c.Active() != 1 {
		t.Fatalf("expected the timer to stay pending, got %d", c.Active())
	}
}
