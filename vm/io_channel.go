package vm

import "sync"

// ---------------------------------------------------------------------------
// IOChannel: a bounded object queue between VM threads and a driver
// ---------------------------------------------------------------------------

// IOBufSize is the capacity of each direction of an IOChannel.
const IOBufSize = 4

// IOChannel is the payload of .internal.io. Input flows from the driver to
// VM threads, output from VM threads to the driver. Threads blocked on
// either direction are linked through Thread.SleepChain, oldest first.
//
// The driver side never blocks: Deliver fails with ErrChannelFull, Take
// reports an empty buffer. Setting Reset wakes every blocked thread with
// ErrReset; the channel itself stays usable once Reset is cleared.
type IOChannel struct {
	daHeader
	InCount       uint32
	OutCount      uint32
	IBuf          [IOBufSize]Ref
	OBuf          [IOBufSize]Ref
	InSleepChain  Ref
	OutSleepChain Ref
	InSleepCount  uint32
	OutSleepCount uint32
	Reset         bool

	spin     sync.Mutex
	onOutput func(ch *IOChannel)
}

func (*IOChannel) Class() ClassID { return ClassIO }
func (*IOChannel) Size() int      { return ioSize }

func (ch *IOChannel) visitRefs(fn func(Ref)) {
	for _, r := range ch.IBuf[:ch.InCount] {
		fn(r)
	}
	for _, r := range ch.OBuf[:ch.OutCount] {
		fn(r)
	}
	if ch.InSleepChain != NilRef {
		fn(ch.InSleepChain)
	}
	if ch.OutSleepChain != NilRef {
		fn(ch.OutSleepChain)
	}
}

// ioSite is one direction of a channel as a wait site.
type ioSite struct {
	ch *IOChannel
	in bool
}

func (s ioSite) lockSite()   { s.ch.spin.Lock() }
func (s ioSite) unlockSite() { s.ch.spin.Unlock() }

func (s ioSite) dequeue(t *Thread) {
	if s.in {
		s.ch.unlink(&s.ch.InSleepChain, &s.ch.InSleepCount, t)
	} else {
		s.ch.unlink(&s.ch.OutSleepChain, &s.ch.OutSleepCount, t)
	}
}

func (ch *IOChannel) link(head *Ref, count *uint32, t *Thread) {
	t.SleepChain = NilRef
	t.touch()
	if *head == NilRef {
		*head = t.self
	} else {
		last := ch.heap.Thread(*head)
		for last.SleepChain != NilRef {
			last = ch.heap.Thread(last.SleepChain)
		}
		last.SleepChain = t.self
		last.touch()
	}
	*count++
	ch.touch()
}

func (ch *IOChannel) unlink(head *Ref, count *uint32, t *Thread) {
	if *head == t.self {
		*head = t.SleepChain
	} else {
		prev := NilRef
		for r := *head; r != NilRef && r != t.self; r = ch.heap.Thread(r).SleepChain {
			prev = r
		}
		if prev == NilRef {
			return
		}
		p := ch.heap.Thread(prev)
		if p.SleepChain != t.self {
			return
		}
		p.SleepChain = t.SleepChain
		p.touch()
	}
	t.SleepChain = NilRef
	t.touch()
	*count--
	ch.touch()
}

// wakeChain wakes the first thread of a chain. ch.spin must be held.
func (ch *IOChannel) wakeChain(head Ref) {
	if head != NilRef {
		wakeUp(ch.heap.Thread(head), wakeSignalled)
	}
}

func (ch *IOChannel) wakeAll() {
	for ch.InSleepChain != NilRef {
		ch.wakeChain(ch.InSleepChain)
	}
	for ch.OutSleepChain != NilRef {
		ch.wakeChain(ch.OutSleepChain)
	}
}

// OnOutput installs a callback run, outside the channel lock, after a thread
// queues output.
func (ch *IOChannel) OnOutput(fn func(ch *IOChannel)) {
	ch.spin.Lock()
	defer ch.spin.Unlock()
	ch.onOutput = fn
}

// ---------------------------------------------------------------------------
// VM side
// ---------------------------------------------------------------------------

// Receive takes the oldest delivered object, blocking t while the input
// buffer is empty.
func (ch *IOChannel) Receive(t *Thread) (Ref, error) {
	for {
		ch.spin.Lock()
		if ch.Reset {
			ch.spin.Unlock()
			return NilRef, ErrReset
		}
		if ch.InCount > 0 {
			r := ch.IBuf[0]
			copy(ch.IBuf[:], ch.IBuf[1:ch.InCount])
			ch.InCount--
			ch.IBuf[ch.InCount] = NilRef
			ch.touch()
			ch.spin.Unlock()
			return r, nil
		}
		ch.link(&ch.InSleepChain, &ch.InSleepCount, t)
		if _, err := t.vm.putAsleep(t, ioSite{ch, true}, 0); err != nil {
			return NilRef, err
		}
	}
}

// Send queues obj for the driver, blocking t while the output buffer is full.
func (ch *IOChannel) Send(t *Thread, obj Ref) error {
	for {
		ch.spin.Lock()
		if ch.Reset {
			ch.spin.Unlock()
			return ErrReset
		}
		if ch.OutCount < IOBufSize {
			ch.OBuf[ch.OutCount] = obj
			ch.OutCount++
			ch.touch()
			fn := ch.onOutput
			ch.spin.Unlock()
			if fn != nil {
				fn(ch)
			}
			return nil
		}
		ch.link(&ch.OutSleepChain, &ch.OutSleepCount, t)
		if _, err := t.vm.putAsleep(t, ioSite{ch, false}, 0); err != nil {
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Driver side
// ---------------------------------------------------------------------------

// Deliver appends obj to the input buffer and wakes the oldest receiver.
func (ch *IOChannel) Deliver(obj Ref) error {
	return ch.heap.external(func() error {
		ch.spin.Lock()
		defer ch.spin.Unlock()
		if ch.InCount == IOBufSize {
			return ErrChannelFull
		}
		ch.IBuf[ch.InCount] = obj
		ch.InCount++
		ch.touch()
		ch.wakeChain(ch.InSleepChain)
		return nil
	})
}

// Take removes the oldest queued output object and wakes the oldest blocked
// sender.
func (ch *IOChannel) Take() (Ref, bool) {
	var r Ref
	var ok bool
	_ = ch.heap.external(func() error {
		ch.spin.Lock()
		defer ch.spin.Unlock()
		if ch.OutCount == 0 {
			return nil
		}
		r, ok = ch.OBuf[0], true
		copy(ch.OBuf[:], ch.OBuf[1:ch.OutCount])
		ch.OutCount--
		ch.OBuf[ch.OutCount] = NilRef
		ch.touch()
		ch.wakeChain(ch.OutSleepChain)
		return nil
	})
	return r, ok
}

// SetReset sets or clears the reset flag. Setting it wakes every blocked
// thread.
func (ch *IOChannel) SetReset(reset bool) {
	_ = ch.heap.external(func() error {
		ch.spin.Lock()
		defer ch.spin.Unlock()
		ch.Reset = reset
		ch.touch()
		if reset {
			ch.wakeAll()
		}
		return nil
	})
}

// Pending returns the number of objects in the input and output buffers.
func (ch *IOChannel) Pending() (in, out int) {
	ch.spin.Lock()
	defer ch.spin.Unlock()
	return int(ch.InCount), int(ch.OutCount)
}

// Sleepers returns the threads blocked on input and on output, oldest first.
func (ch *IOChannel) Sleepers() (in, out []Ref) {
	ch.spin.Lock()
	defer ch.spin.Unlock()
	return ch.chain(ch.InSleepChain), ch.chain(ch.OutSleepChain)
}

func (ch *IOChannel) chain(head Ref) []Ref {
	var out []Ref
	for r := head; r != NilRef; r = ch.heap.Thread(r).SleepChain {
		out = append(out, r)
	}
	return out
}
