package dedup

import (
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	got := Normalize("  Hello   WORLD\tfoo ")
	if got != "hello world foo" {
		t.Errorf("Normalize = %q", got)
	}
}

func TestCache_ExactDuplicateWithinWindow(t *testing.T) {
	c := NewCache(true, 0.85, 5*time.Second, 64)
	now := time.Now()

	if c.Seen("u1", "hello mika", now) {
		t.Fatal("first message cannot be a duplicate")
	}
	if !c.Seen("u1", "hello mika", now.Add(time.Second)) {
		t.Error("identical message inside window should be a duplicate")
	}
}

func TestCache_NearDuplicate(t *testing.T) {
	c := NewCache(true, 0.85, 5*time.Second, 64)
	now := time.Now()

	c.Seen("u1", "what is the bpm of saitama 2000", now)
	if !c.Seen("u1", "what is the bpm of saitama 2000!", now.Add(time.Second)) {
		t.Error("one-character difference should still match at 0.85")
	}
	if c.Seen("u1", "tell me about a completely different song", now.Add(2*time.Second)) {
		t.Error("unrelated message flagged as duplicate")
	}
}

func TestCache_WindowExpiry(t *testing.T) {
	c := NewCache(true, 0.85, 5*time.Second, 64)
	now := time.Now()

	c.Seen("u1", "hello mika", now)
	if c.Seen("u1", "hello mika", now.Add(6*time.Second)) {
		t.Error("duplicate outside the window should be admitted")
	}
}

func TestCache_DuplicateNotRecorded(t *testing.T) {
	c := NewCache(true, 0.85, 10*time.Second, 64)
	now := time.Now()

	c.Seen("u1", "hello", now)
	// Each copy matches the original fingerprint; none of them may
	// refresh the window.
	for i := 1; i <= 5; i++ {
		if !c.Seen("u1", "hello", now.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("copy %d should be a duplicate", i)
		}
	}
	if c.Seen("u1", "hello", now.Add(11*time.Second)) {
		t.Error("original fingerprint expired; copies must not have extended it")
	}
}

func TestCache_UsersIndependent(t *testing.T) {
	c := NewCache(true, 0.85, 5*time.Second, 64)
	now := time.Now()

	c.Seen("u1", "hello mika", now)
	if c.Seen("u2", "hello mika", now) {
		t.Error("u2's first message flagged by u1's fingerprint")
	}
}

func TestCache_Disabled(t *testing.T) {
	c := NewCache(false, 0.85, 5*time.Second, 64)
	now := time.Now()

	c.Seen("u1", "hello", now)
	if c.Seen("u1", "hello", now) {
		t.Error("disabled cache must never report duplicates")
	}
}

func TestCache_BoundedUsers(t *testing.T) {
	c := NewCache(true, 0.85, 5*time.Second, 8)
	now := time.Now()

	for i := 0; i < 100; i++ {
		c.Seen(string(rune('a'+i%26))+string(rune('0'+i/26)), "hi", now)
	}
	if c.TrackedUsers() > 8 {
		t.Errorf("tracked users %d exceeds bound 8", c.TrackedUsers())
	}
}
