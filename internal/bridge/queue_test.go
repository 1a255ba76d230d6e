package bridge

import "testing"

func TestQueue(t *testing.T) {
	t.Run("fifo_order", func(t *testing.T) {
		q := newQueue[int](4)
		for i := 1; i <= 3; i++ {
			if ok, _ := q.push(i); !ok {
				t.Fatalf("push(%d) rejected", i)
			}
		}
		q.close()

		var got []int
		for v := range q.items() {
			got = append(got, v)
		}
		if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
			t.Errorf("drained %v, want [1 2 3]", got)
		}
	})

	t.Run("evicts_oldest_when_full", func(t *testing.T) {
		q := newQueue[int](3)
		for i := 1; i <= 5; i++ {
			accepted, dropped := q.push(i)
			if !accepted {
				t.Fatalf("push(%d) rejected", i)
			}
			if dropped != (i > 3) {
				t.Errorf("push(%d) dropped = %v", i, dropped)
			}
		}
		if got := q.evictedCount(); got != 2 {
			t.Errorf("evicted = %d, want 2", got)
		}
		q.close()

		var got []int
		for v := range q.items() {
			got = append(got, v)
		}
		if len(got) != 3 || got[0] != 3 || got[1] != 4 || got[2] != 5 {
			t.Errorf("drained %v, want [3 4 5]", got)
		}
	})

	t.Run("push_after_close_rejected", func(t *testing.T) {
		q := newQueue[int](2)
		q.push(1)
		q.close()
		if ok, _ := q.push(2); ok {
			t.Error("push after close should be rejected")
		}
	})

	t.Run("buffered_items_survive_close", func(t *testing.T) {
		q := newQueue[int](4)
		q.push(7)
		q.push(8)
		q.close()
		q.close() // idempotent

		if v := <-q.items(); v != 7 {
			t.Errorf("first = %d, want 7", v)
		}
		if v := <-q.items(); v != 8 {
			t.Errorf("second = %d, want 8", v)
		}
		if _, open := <-q.items(); open {
			t.Error("channel should be closed after draining")
		}
	})

	t.Run("size_tracks_buffered", func(t *testing.T) {
		q := newQueue[int](4)
		if q.size() != 0 {
			t.Errorf("empty size = %d", q.size())
		}
		q.push(1)
		q.push(2)
		if q.size() != 2 {
			t.Errorf("size = %d, want 2", q.size())
		}
		<-q.items()
		if q.size() != 1 {
			t.Errorf("size after drain = %d, want 1", q.size())
		}
	})
}
