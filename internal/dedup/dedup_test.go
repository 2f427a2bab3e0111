package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/nextlevelbuilder/termclaw/internal/ids"
)

func newCache(maxEntries int, ttl time.Duration) (*Cache, *ids.MockClock) {
	clock := ids.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return New(maxEntries, ttl, clock), clock
}

func TestSuppressWithinWindow(t *testing.T) {
	c, clock := newCache(0, 10*time.Second)
	key := Key("s1", []byte("echo hi"))

	if c.ShouldSuppress(key) {
		t.Fatal("first send suppressed")
	}
	if !c.ShouldSuppress(key) {
		t.Fatal("repeat within window not suppressed")
	}

	clock.Advance(11 * time.Second)
	if c.ShouldSuppress(key) {
		t.Fatal("send after window suppressed")
	}
}

func TestRepeatsExtendTheWindow(t *testing.T) {
	c, clock := newCache(0, 10*time.Second)
	key := Key("s1", []byte("make test"))

	c.ShouldSuppress(key)
	clock.Advance(8 * time.Second)
	if !c.ShouldSuppress(key) {
		t.Fatal("repeat at 8s not suppressed")
	}
	// The repeat refreshed the timestamp, so 8s later it is still hot.
	clock.Advance(8 * time.Second)
	if !c.ShouldSuppress(key) {
		t.Fatal("window was not extended by the repeat")
	}
}

func TestKeySeparatesTargetsAndContent(t *testing.T) {
	c, _ := newCache(0, time.Minute)

	c.ShouldSuppress(Key("s1", []byte("echo hi")))
	if c.ShouldSuppress(Key("s2", []byte("echo hi"))) {
		t.Fatal("same content on another session suppressed")
	}
	if c.ShouldSuppress(Key("s1", []byte("echo hi "))) {
		t.Fatal("whitespace variant treated as duplicate")
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	c, _ := newCache(3, time.Minute)
	for i := 0; i < 3; i++ {
		c.ShouldSuppress(Key("s1", []byte(fmt.Sprintf("cmd-%d", i))))
	}
	// Fourth insert evicts cmd-0.
	c.ShouldSuppress(Key("s1", []byte("cmd-3")))
	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if c.ShouldSuppress(Key("s1", []byte("cmd-0"))) {
		t.Fatal("evicted entry still suppressing")
	}
}

func TestResizeAppliesNewTTL(t *testing.T) {
	c, clock := newCache(0, time.Hour)
	key := Key("s1", []byte("deploy"))
	c.ShouldSuppress(key)

	c.Resize(0, time.Second)
	clock.Advance(2 * time.Second)
	if c.ShouldSuppress(key) {
		t.Fatal("entry outlived the shortened TTL")
	}
}
