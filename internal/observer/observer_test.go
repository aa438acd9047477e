// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package observer_test

import (
	"sync"
	"testing"

	"github.com/creachadair/tether/internal/observer"
	"github.com/google/go-cmp/cmp"
)

func TestList(t *testing.T) {
	var l observer.List[func(int) int]
	var got []int
	fire := func() {
		l.Each(func(f func(int) int) { got = append(got, f(10)) })
	}

	r1 := l.Add(func(z int) int { return z + 1 })
	r2 := l.Add(func(z int) int { return z + 2 })
	l.Add(func(z int) int { return z + 3 })
	fire()

	r2()
	r2() // idempotent
	fire()

	r1()
	fire()

	if diff := cmp.Diff([]int{11, 12, 13, 11, 13, 13}, got); diff != "" {
		t.Errorf("Fired values (-want, +got):\n%s", diff)
	}
	if n := l.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestConcurrent(t *testing.T) {
	var l observer.List[func()]
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				remove := l.Add(func() {})
				l.Each(func(f func()) { f() })
				remove()
			}
		}()
	}
	wg.Wait()
	if n := l.Len(); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}

func TestUnsubscribeDuringFire(t *testing.T) {
	var l observer.List[func()]
	var calls int
	var remove func()
	remove = l.Add(func() { calls++; remove() })
	l.Each(func(f func()) { f() })
	l.Each(func(f func()) { f() })
	if calls != 1 {
		t.Errorf("Got %d calls, want 1", calls)
	}
}
