package ssd

import "testing"

func TestSubPage_InsertSearchDelete(t *testing.T) {
	p := NewSubPage()

	for i := uint32(0); i < 50; i++ {
		if !p.Insert(i*2, uint64(i)) {
			t.Fatalf("Insert(%d): want ok", i*2)
		}
	}

	if p.Len() != 50 {
		t.Fatalf("Len()=%d, want=50", p.Len())
	}

	for i := uint32(0); i < 50; i++ {
		v, ok := p.Get(i * 2)
		if !ok || v != uint64(i) {
			t.Fatalf("Get(%d)=%d,%v, want=%d,true", i*2, v, ok, i)
		}
	}

	if _, ok := p.Get(1); ok {
		t.Fatalf("Get(1): want absent (odd keys never inserted)")
	}

	if !p.Delete(10) {
		t.Fatalf("Delete(10): want true")
	}
	if _, ok := p.Get(10); ok {
		t.Fatalf("Get(10) after delete: want absent")
	}
	if p.Len() != 49 {
		t.Fatalf("Len()=%d, want=49", p.Len())
	}
}

func TestSubPage_KeysStaySorted(t *testing.T) {
	p := NewSubPage()

	order := []uint32{40, 10, 30, 20, 5}
	for _, k := range order {
		p.Insert(k, uint64(k))
	}

	keys, _ := p.All()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("keys not strictly sorted: %v", keys)
		}
	}
}

func TestSubPage_MarshalUnmarshalRoundTrip(t *testing.T) {
	p := NewSubPage()
	for i := uint32(0); i < 10; i++ {
		p.Insert(i, uint64(i)*100)
	}

	buf := p.Marshal()
	if len(buf) != PageSize {
		t.Fatalf("Marshal() len=%d, want=%d", len(buf), PageSize)
	}

	got, err := Unmarshal(buf)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.Len() != p.Len() {
		t.Fatalf("round trip Len()=%d, want=%d", got.Len(), p.Len())
	}
	for i := uint32(0); i < 10; i++ {
		v, ok := got.Get(i)
		if !ok || v != uint64(i)*100 {
			t.Fatalf("round trip Get(%d)=%d,%v, want=%d,true", i, v, ok, i*100)
		}
	}
}

func TestSubPage_PrepareForCompressionZeroesUnusedSlots(t *testing.T) {
	p := NewSubPage()
	p.Insert(1, 1)
	p.Insert(2, 2)

	p.PrepareForCompression()

	for i := 2; i < K; i++ {
		if p.keys[i] != 0 || p.values[i] != 0 {
			t.Fatalf("unused slot %d not zeroed: key=%d value=%d", i, p.keys[i], p.values[i])
		}
	}
}

func TestSubPage_FullAtCapacity(t *testing.T) {
	p := NewSubPage()
	for i := uint32(0); i < K; i++ {
		if !p.Insert(i, 0) {
			t.Fatalf("Insert(%d): want ok (not yet at capacity)", i)
		}
	}
	if !p.Full() {
		t.Fatalf("Full(): want true at K=%d entries", K)
	}
	if p.Insert(uint32(K)+1, 0) {
		t.Fatalf("Insert past capacity: want rejected")
	}
}
