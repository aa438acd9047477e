// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package observer implements lists of callbacks that can be subscribed and
// unsubscribed concurrently with being fired.
package observer

import "sync"

// A List is a set of subscribed callbacks of type F. The zero value is ready
// for use. A List must not be copied after first use.
type List[F any] struct {
	μ    sync.Mutex
	next uint64
	subs []entry[F]
}

type entry[F any] struct {
	id uint64
	fn F
}

// Add subscribes f and returns a function that unsubscribes it. The returned
// function is safe to call more than once and from any goroutine. A callback
// already being fired when it is unsubscribed may still complete.
func (l *List[F]) Add(f F) (remove func()) {
	l.μ.Lock()
	defer l.μ.Unlock()
	l.next++
	id := l.next
	l.subs = append(l.subs, entry[F]{id: id, fn: f})
	return sync.OnceFunc(func() { l.remove(id) })
}

func (l *List[F]) remove(id uint64) {
	l.μ.Lock()
	defer l.μ.Unlock()
	for i, e := range l.subs {
		if e.id == id {
			l.subs = append(l.subs[:i:i], l.subs[i+1:]...)
			return
		}
	}
}

// Each calls call once for each callback subscribed at the moment Each is
// invoked, in subscription order. The list lock is not held while call runs,
// so callbacks may subscribe or unsubscribe.
func (l *List[F]) Each(call func(F)) {
	l.μ.Lock()
	snap := make([]F, len(l.subs))
	for i, e := range l.subs {
		snap[i] = e.fn
	}
	l.μ.Unlock()
	for _, fn := range snap {
		call(fn)
	}
}

// Len reports the number of subscribed callbacks.
func (l *List[F]) Len() int {
	l.μ.Lock()
	defer l.μ.Unlock()
	return len(l.subs)
}
