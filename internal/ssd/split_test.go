package ssd

import "testing"

func TestSplit_AllKeysSurviveAndPartitionByMedian(t *testing.T) {
	dev, alloc := newTestDevice(t, 4096)
	left := NewSuperLeaf(dev, alloc)

	const n = 100
	for i := uint32(0); i < n; i++ {
		if err := left.Insert(i, uint64(i)*7); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	median, right, err := Split(left)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	if got, want := left.TotalEntries()+right.TotalEntries(), n; got != want {
		t.Fatalf("total entries after split=%d, want=%d", got, want)
	}

	for i := uint32(0); i < n; i++ {
		var v uint64
		var gerr error
		if i < median {
			v, gerr = left.Get(i)
		} else {
			v, gerr = right.Get(i)
		}
		if gerr != nil {
			t.Fatalf("Get(%d): %v", i, gerr)
		}
		if v != uint64(i)*7 {
			t.Fatalf("Get(%d)=%d, want=%d", i, v, i*7)
		}
	}

	if right.prev != left || left.next != right {
		t.Fatalf("linked-list links not updated: left.next=%v right.prev=%v", left.next, right.prev)
	}
}
