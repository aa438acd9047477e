// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog describes the interfaces implemented by tether servants.
// An Interface is a name and a set of method names. Method and interface
// names travel with each invocation, so an Interface can be used on both
// sides of a connection to check calls before they are sent, and to route
// them to per-method handlers when they arrive.
//
// # Usage
//
// Construct an interface and add methods to it:
//
//	calc := catalog.New("example.Calculator").Add("Add", "Mul")
//
// On an endpoint that implements the interface, build a Servant and register
// it with a target:
//
//	calc.Servant().
//	  Handle("Add", handleAdd).
//	  Handle("Mul", handleMul).
//	  Register(ep1, 100)
//
// Note that Handle will panic if given a name not registered with the
// interface.
//
// On an endpoint that wants to call these methods, use a Proxy:
//
//	rsp, err := calc.Proxy(ep2, 100).Call(ctx, "Add", data)
//
// An Interface can be encoded and sent from one endpoint to another, for
// example by registering its Describe handler as a method:
//
//	calc.Add("Describe")
//	calc.Servant().Handle("Describe", calc.Describe) ...
package catalog

import (
	"context"
	"fmt"
	"slices"

	"github.com/creachadair/tether"
	"github.com/creachadair/tether/packet"
)

// An Interface describes a named set of methods. It is safe to copy the
// value; all copies share the same method set.
type Interface struct {
	name    string
	methods map[string]struct{}
}

// New creates a new interface with the given name and no methods.
func New(name string) Interface {
	return Interface{name: name, methods: make(map[string]struct{})}
}

// Name reports the name of the interface.
func (c Interface) Name() string { return c.name }

// Add adds the specified method names to c, and returns c to allow chaining.
//
// The method set of an interface is shared among all copies of it. It is not
// safe to call Add while c is used concurrently by other goroutines without
// external synchronization.
func (c Interface) Add(names ...string) Interface {
	for _, name := range names {
		c.methods[name] = struct{}{}
	}
	return c
}

// Has reports whether name is a method of c.
func (c Interface) Has(name string) bool { _, ok := c.methods[name]; return ok }

// Methods returns the method names of c in lexicographic order.
func (c Interface) Methods() []string {
	out := make([]string, 0, len(c.methods))
	for name := range c.methods {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// check reports an error matching tether.ErrNoSuchMethod if name is not a
// method of c.
func (c Interface) check(name string) error {
	if !c.Has(name) {
		return fmt.Errorf("%w: %s.%s", tether.ErrNoSuchMethod, c.name, name)
	}
	return nil
}

// Encode encodes c in binary format.
//
// The wire format of an interface is the length-prefixed name, followed by
// the number of methods and the length-prefixed method names in
// lexicographic order. Lengths and counts are unsigned varints.
func (c Interface) Encode() []byte {
	names := c.Methods()
	var b packet.Builder
	n := packet.VLen(len(c.name)) + packet.VLen(len(names))
	for _, name := range names {
		n += packet.VLen(len(name))
	}
	b.Grow(n)
	b.VPutString(c.name)
	b.Uvarint(uint64(len(names)))
	for _, name := range names {
		b.VPutString(name)
	}
	return b.Bytes()
}

// Decode decodes data as an Interface payload, replacing the contents of c.
func (c *Interface) Decode(data []byte) error {
	s := packet.NewScanner(data)
	name, err := packet.VGet[string](s)
	if err != nil {
		return fmt.Errorf("interface name: %w", err)
	}
	n, err := s.Uvarint()
	if err != nil {
		return fmt.Errorf("method count: %w", err)
	} else if n > uint64(s.Len()) {
		return fmt.Errorf("method count %d exceeds payload", n)
	}
	out := New(name)
	for i := range n {
		m, err := packet.VGet[string](s)
		if err != nil {
			return fmt.Errorf("method %d: %w", i, err)
		}
		out.Add(m)
	}
	if s.Len() != 0 {
		return fmt.Errorf("extra data at offset %d", s.Offset())
	}
	*c = out
	return nil
}

// Describe is a tether.Handler that reports the encoding of c.
func (c Interface) Describe(context.Context, *tether.Invocation) ([]byte, error) {
	return c.Encode(), nil
}

// A Proxy binds an interface to a target on the remote side of an endpoint.
type Proxy struct {
	iface  Interface
	ep     *tether.Endpoint
	target uint64
}

// Proxy returns a proxy for calls to the servant registered for target on the
// remote side of ep.
func (c Interface) Proxy(ep *tether.Endpoint, target uint64) Proxy {
	return Proxy{iface: c, ep: ep, target: target}
}

// Endpoint returns the endpoint associated with p.
func (p Proxy) Endpoint() *tether.Endpoint { return p.ep }

// Target returns the remote target of p.
func (p Proxy) Target() uint64 { return p.target }

// Interface returns the interface of p.
func (p Proxy) Interface() Interface { return p.iface }

// Call calls the named method on the remote servant. If method is not defined
// by the interface, Call reports tether.ErrNoSuchMethod without sending it.
func (p Proxy) Call(ctx context.Context, method string, data []byte) ([]byte, error) {
	if err := p.iface.check(method); err != nil {
		return nil, err
	}
	return p.ep.Call(ctx, p.target, p.iface.name, method, data)
}

// Go calls the named method on the remote servant as with Call, but does not
// wait for the result. It returns nil and an error if method is not defined
// by the interface.
func (p Proxy) Go(ctx context.Context, method string, data []byte) (*tether.Future, error) {
	if err := p.iface.check(method); err != nil {
		return nil, err
	}
	return p.ep.Go(ctx, p.target, p.iface.name, method, data), nil
}

// A Servant routes the methods of an interface to individual handlers.
type Servant struct {
	iface    Interface
	handlers map[string]tether.Handler
}

// Servant returns a new servant for c with no method handlers. A method of c
// that has no handler reports tether.ErrNoSuchMethod to the caller.
func (c Interface) Servant() *Servant {
	return &Servant{iface: c, handlers: make(map[string]tether.Handler)}
}

// Handle sets the handler for the named method, and returns s to permit
// chaining. A nil handler removes the method from s. Handle will panic if
// name is not a method of the interface.
//
// Handle is not safe to call concurrently with invocations of s.
func (s *Servant) Handle(method string, h tether.Handler) *Servant {
	if !s.iface.Has(method) {
		panic(fmt.Sprintf("method %q not known", method))
	}
	if h == nil {
		delete(s.handlers, method)
	} else {
		s.handlers[method] = h
	}
	return s
}

// Implemented returns the names of the methods that have handlers in s, in
// lexicographic order.
func (s *Servant) Implemented() []string {
	out := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Register registers s with ep as the servant for target, and returns s to
// permit chaining.
func (s *Servant) Register(ep *tether.Endpoint, target uint64) *Servant {
	ep.Handle(target, s.iface.name, s.Dispatch)
	return s
}

// Dispatch is a tether.Handler that routes inv to the handler for its
// method.
func (s *Servant) Dispatch(ctx context.Context, inv *tether.Invocation) ([]byte, error) {
	h, ok := s.handlers[inv.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", tether.ErrNoSuchMethod, s.iface.name, inv.Method)
	}
	return h(ctx, inv)
}
