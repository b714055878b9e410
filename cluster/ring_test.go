package cluster

import (
	"fmt"
	"testing"
)

func TestRing_AddRemove(t *testing.T) {
	r := NewRing(64)

	r.Add("node-a")
	r.Add("node-b")
	r.Add("node-c")
	if r.Len() != 3 {
		t.Errorf("Expected 3 members, got %d", r.Len())
	}
	if len(r.points) != 192 {
		t.Errorf("Expected 192 ring points, got %d", len(r.points))
	}

	// Adding same member again should be idempotent
	r.Add("node-a")
	if r.Len() != 3 {
		t.Errorf("Expected 3 members after re-adding, got %d", r.Len())
	}

	r.Remove("node-b")
	if r.Len() != 2 {
		t.Errorf("Expected 2 members after removal, got %d", r.Len())
	}
	for _, p := range r.points {
		if r.owners[p] == "node-b" {
			t.Fatalf("Removed member still owns point %d", p)
		}
	}

	// Removing unknown member should be safe
	r.Remove("node-z")
	if r.Len() != 2 {
		t.Errorf("Expected 2 members, got %d", r.Len())
	}
}

func TestRing_EmptyLookup(t *testing.T) {
	r := NewRing(0)
	if _, err := r.Owner("key"); err != ErrEmptyRing {
		t.Errorf("Expected ErrEmptyRing, got %v", err)
	}
	if _, err := r.Assign(4); err != ErrEmptyRing {
		t.Errorf("Expected ErrEmptyRing from Assign, got %v", err)
	}
}

func TestRing_Deterministic(t *testing.T) {
	a := NewRing(32)
	b := NewRing(32)
	for _, m := range []string{"node-a", "node-b", "node-c"} {
		a.Add(m)
	}
	// Insertion order must not matter
	for _, m := range []string{"node-c", "node-a", "node-b"} {
		b.Add(m)
	}

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		oa, _ := a.Owner(key)
		ob, _ := b.Owner(key)
		if oa != ob {
			t.Fatalf("Owner of %s differs: %s vs %s", key, oa, ob)
		}
	}
}

func TestRing_AssignCoversAllPartitions(t *testing.T) {
	r := NewRing(128)
	r.Add("node-a")
	r.Add("node-b")

	assignment, err := r.Assign(16)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	seen := make(map[int]bool)
	for member, parts := range assignment {
		for i, p := range parts {
			if seen[p] {
				t.Errorf("Partition %d assigned twice", p)
			}
			seen[p] = true
			if i > 0 && parts[i-1] >= p {
				t.Errorf("Partitions of %s not ascending: %v", member, parts)
			}
		}
	}
	if len(seen) != 16 {
		t.Errorf("Expected 16 assigned partitions, got %d", len(seen))
	}
}

func TestRing_MinimalMovementOnJoin(t *testing.T) {
	r := NewRing(128)
	r.Add("node-a")
	r.Add("node-b")
	before, _ := r.Assign(64)

	r.Add("node-c")
	after, _ := r.Assign(64)

	owner := func(assignment map[string][]int) map[int]string {
		out := make(map[int]string)
		for m, parts := range assignment {
			for _, p := range parts {
				out[p] = m
			}
		}
		return out
	}
	b, a := owner(before), owner(after)
	for p, m := range a {
		// Partitions only ever move to the new member
		if m != b[p] && m != "node-c" {
			t.Errorf("Partition %d moved from %s to %s", p, b[p], m)
		}
	}
}

func TestRing_Members(t *testing.T) {
	r := NewRing(8)
	r.Add("b")
	r.Add("a")
	members := r.Members()
	if len(members) != 2 || members[0] != "a" || members[1] != "b" {
		t.Errorf("Expected sorted members [a b], got %v", members)
	}
}
