// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ctxtree

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mbeema/flowstate/pkg/flow"
	"github.com/mbeema/flowstate/pkg/reaper"
	"go.uber.org/zap"
)

func tcpKey(src, dst uint16) flow.Key {
	f := gopacket.NewFlow(layers.EndpointTCPPort,
		[]byte{byte(src >> 8), byte(src)},
		[]byte{byte(dst >> 8), byte(dst)})
	return flow.FromFlow(flow.LayerTransport, f)
}

func ipKey(a, b byte) flow.Key {
	f := gopacket.NewFlow(layers.EndpointIPv4, []byte{10, 0, 0, a}, []byte{10, 0, 0, b})
	return flow.FromFlow(flow.LayerNetwork, f)
}

func TestAddChildDistinctKeys(t *testing.T) {
	reg := NewRegistry(Options{})
	root := reg.NewRoot("liid-1")

	want := map[flow.Key]*Node{}
	for i := 0; i < 50; i++ {
		k := tcpKey(uint16(1000+i), 80)
		c := reg.NewNode(KindTCP)
		if err := root.AddChild(k, c); err != nil {
			t.Fatalf("AddChild(%v): %v", k, err)
		}
		want[k] = c
	}

	for k, c := range want {
		if got := root.GetChild(KindTCP, k); got != c {
			t.Errorf("GetChild(%v) = %v, want %v", k, got, c)
		}
		if got := c.Key(); got != k {
			t.Errorf("child key = %v, want %v", got, k)
		}
		if c.Parent() != root.Node {
			t.Errorf("child %v parent = %v, want root", c, c.Parent())
		}
	}
	if reg.Live() != 51 {
		t.Errorf("Live() = %d, want 51", reg.Live())
	}
}

func TestAddChildDuplicate(t *testing.T) {
	reg := NewRegistry(Options{})
	root := reg.NewRoot("liid-1")
	k := ipKey(1, 2)

	c1 := reg.NewNode(KindIP4)
	if err := root.AddChild(k, c1); err != nil {
		t.Fatalf("AddChild: %v", err)
	}
	before := reg.Live()

	c2 := reg.NewNode(KindIP4)
	err := root.AddChild(k, c2)
	if !errors.Is(err, ErrDuplicateChild) {
		t.Fatalf("AddChild duplicate err = %v, want ErrDuplicateChild", err)
	}
	if got := root.GetChild(KindIP4, k); got != c1 {
		t.Errorf("GetChild = %v, want original %v", got, c1)
	}
	if reg.Live() != before {
		t.Errorf("Live() = %d after failed add, want %d", reg.Live(), before)
	}
	if c2.Parent() != nil {
		t.Error("rejected child should have no parent")
	}
}

func TestSameKeyDifferentKinds(t *testing.T) {
	reg := NewRegistry(Options{})
	root := reg.NewRoot("liid-1")
	k := flow.UnrecognisedKey()

	s, err := root.GetOrCreate(KindUnrecognisedStream, k)
	if err != nil {
		t.Fatal(err)
	}
	d, err := root.GetOrCreate(KindUnrecognisedDatagram, k)
	if err != nil {
		t.Fatal(err)
	}
	if s == d {
		t.Fatal("stream and datagram contexts must be distinct")
	}
	if got := root.GetChild(KindUnrecognisedStream, k); got != s {
		t.Errorf("GetChild(stream) = %v, want %v", got, s)
	}
	if got := root.GetChild(KindUnrecognisedDatagram, k); got != d {
		t.Errorf("GetChild(datagram) = %v, want %v", got, d)
	}
}

func TestInvalidChildren(t *testing.T) {
	reg := NewRegistry(Options{})
	other := NewRegistry(Options{})
	root := reg.NewRoot("a")

	if err := root.AddChild(ipKey(1, 2), nil); !errors.Is(err, ErrInvalidChild) {
		t.Errorf("nil child err = %v", err)
	}
	if err := root.AddChild(ipKey(1, 2), reg.NewRoot("b").Node); !errors.Is(err, ErrInvalidChild) {
		t.Errorf("root as child err = %v", err)
	}
	if err := root.AddChild(ipKey(1, 2), other.NewNode(KindIP4)); !errors.Is(err, ErrInvalidChild) {
		t.Errorf("foreign child err = %v", err)
	}

	c := reg.NewNode(KindIP4)
	if err := root.AddChild(ipKey(1, 2), c); err != nil {
		t.Fatal(err)
	}
	if err := root.AddChild(ipKey(3, 4), c); !errors.Is(err, ErrInvalidChild) {
		t.Errorf("re-attach err = %v, want ErrInvalidChild", err)
	}
	if _, err := root.GetOrCreate(KindRoot, ipKey(5, 6)); !errors.Is(err, ErrInvalidChild) {
		t.Errorf("GetOrCreate(root) err = %v", err)
	}
}

func TestReapRemovesFromParent(t *testing.T) {
	reg := NewRegistry(Options{})
	root := reg.NewRoot("liid-1")
	k := ipKey(1, 2)

	c, err := root.GetOrCreate(KindIP4, k)
	if err != nil {
		t.Fatal(err)
	}
	c.Reap()

	if root.GetChild(KindIP4, k) != nil {
		t.Fatal("GetChild should return nil after Reap")
	}
	if !c.Detached() {
		t.Error("reaped context should report Detached")
	}

	// Second reap is a no-op.
	live := reg.Live()
	c.Reap()
	if reg.Live() != live {
		t.Errorf("second Reap changed Live() from %d to %d", live, reg.Live())
	}

	// The key is free again.
	c2, err := root.GetOrCreate(KindIP4, k)
	if err != nil {
		t.Fatal(err)
	}
	if c2 == c {
		t.Error("GetOrCreate after reap should build a new context")
	}
}

func TestReapReleasesSubtree(t *testing.T) {
	reg := NewRegistry(Options{})
	root := reg.NewRoot("liid-1")

	ip, _ := root.GetOrCreate(KindIP4, ipKey(1, 2))
	tcp, _ := ip.GetOrCreate(KindTCP, tcpKey(1234, 80))
	us, _ := tcp.GetOrCreate(KindUnrecognisedStream, flow.UnrecognisedKey())

	if reg.Live() != 4 {
		t.Fatalf("Live() = %d, want 4", reg.Live())
	}

	ip.Reap()
	if reg.Live() != 1 {
		t.Errorf("Live() = %d after reaping subtree, want 1", reg.Live())
	}
	if !tcp.Detached() || !us.Detached() {
		t.Error("descendants should be detached")
	}
	if tcp.Parent() != nil {
		t.Error("descendant parent handle should no longer resolve")
	}
	if _, err := tcp.GetOrCreate(KindUnrecognisedStream, flow.UnrecognisedKey()); !errors.Is(err, ErrDetached) {
		t.Errorf("GetOrCreate on detached err = %v, want ErrDetached", err)
	}

	// Parent gone: reaping a descendant is a harmless no-op.
	us.Reap()
	tcp.Reap()
	if reg.Live() != 1 {
		t.Errorf("Live() = %d, want 1", reg.Live())
	}
}

func TestReapAfterParentRetired(t *testing.T) {
	reg := NewRegistry(Options{})
	root := reg.NewRoot("liid-1")
	c, _ := root.GetOrCreate(KindIP6, ipKey(1, 2))

	reg.Retire(root)
	if reg.Live() != 0 {
		t.Fatalf("Live() = %d after retire, want 0", reg.Live())
	}
	if c.Parent() != nil {
		t.Fatal("parent of retired root's child should not resolve")
	}

	c.Reap()
	if reg.Live() != 0 {
		t.Errorf("Live() = %d, want 0", reg.Live())
	}

	// Retire twice is harmless.
	reg.Retire(root)
	if reg.Live() != 0 {
		t.Errorf("Live() = %d after second retire, want 0", reg.Live())
	}
}

func TestRootIsNeverReaped(t *testing.T) {
	reg := NewRegistry(Options{})
	root := reg.NewRoot("liid-1")
	root.Reap()
	if root.Detached() || reg.Live() != 1 {
		t.Error("Reap on a root must be a no-op")
	}
}

func TestUnattachedReapIsNoop(t *testing.T) {
	reg := NewRegistry(Options{})
	c := reg.NewNode(KindTCP)
	c.Reap()
	if c.Detached() {
		t.Error("Reap on a context never attached should do nothing")
	}
}

func TestConcurrentAddChildSameKey(t *testing.T) {
	reg := NewRegistry(Options{})
	root := reg.NewRoot("liid-1")
	k := tcpKey(5000, 443)

	const n = 32
	var (
		wg      sync.WaitGroup
		wins    atomic.Int32
		dups    atomic.Int32
		winner  atomic.Pointer[Node]
		start   = make(chan struct{})
		results = make([]*Node, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := reg.NewNode(KindTCP)
			<-start
			err := root.AddChild(k, c)
			switch {
			case err == nil:
				wins.Add(1)
				winner.Store(c)
				results[i] = c
			case errors.Is(err, ErrDuplicateChild):
				dups.Add(1)
				results[i] = root.GetChild(KindTCP, k)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want 1", wins.Load())
	}
	if dups.Load() != n-1 {
		t.Errorf("duplicates = %d, want %d", dups.Load(), n-1)
	}
	w := winner.Load()
	if got := root.GetChild(KindTCP, k); got != w {
		t.Errorf("GetChild = %v, want winner %v", got, w)
	}
	for i, r := range results {
		if r != w {
			t.Errorf("goroutine %d used %v, want winner %v", i, r, w)
		}
	}
}

func TestConcurrentGetOrCreate(t *testing.T) {
	reg := NewRegistry(Options{})
	root := reg.NewRoot("liid-1")
	k := ipKey(7, 8)

	var wg sync.WaitGroup
	got := make([]*Node, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := root.GetOrCreate(KindIP4, k)
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
			}
			got[i] = c
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(got); i++ {
		if got[i] != got[0] {
			t.Fatalf("goroutine %d got %v, want %v", i, got[i], got[0])
		}
	}
	if reg.Live() != 2 {
		t.Errorf("Live() = %d, want 2", reg.Live())
	}
}

func TestConcurrentReapAndLookup(t *testing.T) {
	reg := NewRegistry(Options{})
	root := reg.NewRoot("liid-1")

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := tcpKey(uint16(i%10), uint16(w))
				c, err := root.GetOrCreate(KindTCP, k)
				if err != nil {
					t.Errorf("GetOrCreate: %v", err)
					return
				}
				c.Lock()
				_, _ = c.GetOrCreate(KindUnrecognisedStream, flow.UnrecognisedKey())
				c.Unlock()
				if i%3 == 0 {
					c.Reap()
				}
			}
		}(w)
	}
	wg.Wait()

	// Everything left must be reachable from the root.
	reachable := 0
	root.Walk(func(int, *Node) { reachable++ })
	if reachable != reg.Live() {
		t.Errorf("reachable = %d, Live() = %d", reachable, reg.Live())
	}
}

func TestReapWaitsForStateLock(t *testing.T) {
	reg := NewRegistry(Options{})
	root := reg.NewRoot("liid-1")
	c, _ := root.GetOrCreate(KindUDP, tcpKey(53, 53))

	c.Lock()
	done := make(chan struct{})
	go func() {
		c.Reap()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Reap completed while the state lock was held")
	case <-time.After(50 * time.Millisecond):
	}
	if root.GetChild(KindUDP, tcpKey(53, 53)) != c {
		t.Fatal("context removed while in-flight work held its lock")
	}
	c.Unlock()
	<-done

	if root.GetChild(KindUDP, tcpKey(53, 53)) != nil {
		t.Error("context should be gone once the lock was released")
	}
}

func TestReapWaitsForDescendantStateLock(t *testing.T) {
	reg := NewRegistry(Options{})
	root := reg.NewRoot("liid-1")
	ip, _ := root.GetOrCreate(KindIP4, ipKey(1, 2))
	tcp, _ := ip.GetOrCreate(KindTCP, tcpKey(1234, 80))
	us, _ := tcp.GetOrCreate(KindUnrecognisedStream, flow.UnrecognisedKey())

	us.Lock()
	done := make(chan struct{})
	go func() {
		ip.Reap()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("ancestor Reap completed while a grandchild held its state lock")
	case <-time.After(50 * time.Millisecond):
	}
	if us.Detached() {
		t.Fatal("grandchild detached while its state lock was held")
	}
	if tcp.GetChild(KindUnrecognisedStream, flow.UnrecognisedKey()) != us {
		t.Fatal("grandchild removed from its parent while its state lock was held")
	}
	us.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ancestor Reap did not finish after the grandchild was unlocked")
	}
	if !us.Detached() || !tcp.Detached() {
		t.Error("subtree should be detached once the lock was released")
	}
	if len(tcp.Children()) != 0 {
		t.Error("released context should have no children")
	}
	if reg.Live() != 1 {
		t.Errorf("Live() = %d, want 1", reg.Live())
	}
}

func TestChildrenOrdered(t *testing.T) {
	reg := NewRegistry(Options{})
	root := reg.NewRoot("liid-1")

	root.GetOrCreate(KindTCP, tcpKey(3, 1))
	root.GetOrCreate(KindTCP, tcpKey(1, 1))
	root.GetOrCreate(KindIP4, ipKey(9, 9))
	root.GetOrCreate(KindTCP, tcpKey(2, 1))

	kids := root.Children()
	if len(kids) != 4 {
		t.Fatalf("len(Children()) = %d, want 4", len(kids))
	}
	if kids[0].Kind() != KindIP4 {
		t.Errorf("first child kind = %v, want ip4", kids[0].Kind())
	}
	for i := 2; i < len(kids); i++ {
		if kids[i-1].Key().Compare(kids[i].Key()) >= 0 {
			t.Errorf("children %d and %d out of order", i-1, i)
		}
	}
}

func TestIDsMonotonic(t *testing.T) {
	reg := NewRegistry(Options{})
	a := reg.NewNode(KindTCP)
	b := reg.NewNode(KindTCP)
	if b.ID() <= a.ID() {
		t.Errorf("ids not increasing: %d then %d", a.ID(), b.ID())
	}
}

func TestRootWalkUp(t *testing.T) {
	reg := NewRegistry(Options{})
	root := reg.NewRoot("liid-9")
	ip, _ := root.GetOrCreate(KindIP4, ipKey(1, 2))
	tcp, _ := ip.GetOrCreate(KindTCP, tcpKey(1, 2))

	r := tcp.Root()
	if r == nil || r.LIID() != "liid-9" {
		t.Fatalf("Root() = %v, want liid-9", r)
	}
	if _, ok := tcp.AsRoot(); ok {
		t.Error("tcp context should not be a root")
	}
}

// Example scenario: R, C1 under K1, C2 duplicate, reap C1, count restored.
func TestLiveCountScenario(t *testing.T) {
	reg := NewRegistry(Options{})
	root := reg.NewRoot("liid-1")
	k1 := tcpKey(1111, 2222)

	before := reg.Live()
	c1 := reg.NewNode(KindTCP)
	if err := root.AddChild(k1, c1); err != nil {
		t.Fatal(err)
	}
	c2 := reg.NewNode(KindTCP)
	if err := root.AddChild(k1, c2); !errors.Is(err, ErrDuplicateChild) {
		t.Fatalf("err = %v, want ErrDuplicateChild", err)
	}
	if root.GetChild(KindTCP, k1) != c1 {
		t.Fatal("GetChild should return C1")
	}
	c1.Reap()
	if root.GetChild(KindTCP, k1) != nil {
		t.Fatal("GetChild should return nil after reap")
	}
	if reg.Live() != before {
		t.Errorf("Live() = %d, want %d", reg.Live(), before)
	}
}

type countingObserver struct {
	mu       sync.Mutex
	created  map[Kind]int
	reaped   map[Kind]int
	released map[Kind]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		created:  map[Kind]int{},
		reaped:   map[Kind]int{},
		released: map[Kind]int{},
	}
}

func (o *countingObserver) ContextCreated(k Kind) {
	o.mu.Lock()
	o.created[k]++
	o.mu.Unlock()
}

func (o *countingObserver) ContextReaped(k Kind) {
	o.mu.Lock()
	o.reaped[k]++
	o.mu.Unlock()
}

func (o *countingObserver) ContextReleased(k Kind) {
	o.mu.Lock()
	o.released[k]++
	o.mu.Unlock()
}

func TestObserverAndWatcher(t *testing.T) {
	now := time.Unix(1700000000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	w := reaper.New(zap.NewNop(), reaper.WithClock(clock))
	obs := newCountingObserver()
	reg := NewRegistry(Options{
		Watcher:  w,
		Observer: obs,
		TTL:      map[Kind]time.Duration{KindTCP: 30 * time.Second},
	})
	root := reg.NewRoot("liid-1")
	ip, _ := root.GetOrCreate(KindIP4, ipKey(1, 2))
	tcp, _ := ip.GetOrCreate(KindTCP, tcpKey(1, 2))

	if w.Len() != 2 {
		t.Fatalf("watcher Len() = %d, want 2 (root opts out)", w.Len())
	}

	// ip idles past the default 10s, tcp is kept busy.
	advance(8 * time.Second)
	tcp.Touch()
	advance(4 * time.Second)
	if n := w.Sweep(); n != 1 {
		t.Fatalf("Sweep reaped %d, want 1", n)
	}
	if root.GetChild(KindIP4, ipKey(1, 2)) != nil {
		t.Error("idle ip context should be reaped")
	}
	if !tcp.Detached() {
		t.Error("tcp context should go down with its parent")
	}
	if w.Len() != 0 {
		t.Errorf("watcher Len() = %d, want 0 after subtree release", w.Len())
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.created[KindRoot] != 1 || obs.created[KindIP4] != 1 || obs.created[KindTCP] != 1 {
		t.Errorf("created = %v", obs.created)
	}
	if obs.reaped[KindIP4] != 1 || obs.reaped[KindTCP] != 0 {
		t.Errorf("reaped = %v", obs.reaped)
	}
	if obs.released[KindIP4] != 1 || obs.released[KindTCP] != 1 {
		t.Errorf("released = %v", obs.released)
	}
}

func TestTTLOverrides(t *testing.T) {
	reg := NewRegistry(Options{DefaultTTL: 5 * time.Second})
	if reg.TTL(KindUDP) != 5*time.Second {
		t.Errorf("TTL(udp) = %v, want 5s", reg.TTL(KindUDP))
	}
	reg.SetTTL(KindUDP, time.Minute)
	if reg.TTL(KindUDP) != time.Minute {
		t.Errorf("TTL(udp) = %v, want 1m", reg.TTL(KindUDP))
	}
	reg.SetDefaultTTL(0)
	if reg.TTL(KindTCP) != 5*time.Second {
		t.Errorf("zero default should be ignored, TTL(tcp) = %v", reg.TTL(KindTCP))
	}
	if reg.TTL(KindRoot) != 0 {
		t.Error("roots must opt out of reaping")
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseKind("sctp"); err == nil {
		t.Error("ParseKind(sctp) should fail")
	}
}
