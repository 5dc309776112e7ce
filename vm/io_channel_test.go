package vm

import (
	"errors"
	"testing"
)

func TestIOChannelReceiveBlocksUntilDelivery(t *testing.T) {
	vm, _ := newTestVM(t)
	h := vm.Heap()
	ch := h.IO(mustRef(t)(vm.NewIOChannel()))

	got := make(chan Ref, 2)
	var receivers []*Thread
	for i := 0; i < 2; i++ {
		receivers = append(receivers, spawn(t, vm, once(func(th *Thread) {
			r, err := ch.Receive(th)
			if err != nil {
				t.Errorf("receive: %v", err)
			}
			got <- r
		})))
		n := i + 1
		waitFor(t, "receiver to block", func() bool {
			in, _ := ch.Sleepers()
			return len(in) == n
		})
	}
	if in, _ := ch.Sleepers(); in[0] != receivers[0].Self() || in[1] != receivers[1].Self() {
		t.Fatalf("sleep chain %v, want receivers in arrival order", in)
	}

	first := mustRef(t)(h.NewInt(1))
	if err := ch.Deliver(first); err != nil {
		t.Fatal(err)
	}
	if r := <-got; r != first {
		t.Errorf("received %d, want %d", r, first)
	}
	waitDone(t, receivers[0])
	if in, _ := ch.Sleepers(); len(in) != 1 || in[0] != receivers[1].Self() {
		t.Errorf("sleep chain %v after first wake", in)
	}

	second := mustRef(t)(h.NewInt(2))
	if err := ch.Deliver(second); err != nil {
		t.Fatal(err)
	}
	if r := <-got; r != second {
		t.Errorf("received %d, want %d", r, second)
	}
	waitDone(t, receivers[1])
}

func TestIOChannelDeliverFull(t *testing.T) {
	vm, _ := newTestVM(t)
	h := vm.Heap()
	ch := h.IO(mustRef(t)(vm.NewIOChannel()))

	for i := 0; i < IOBufSize; i++ {
		if err := ch.Deliver(mustRef(t)(h.NewInt(int32(i)))); err != nil {
			t.Fatal(err)
		}
	}
	if err := ch.Deliver(mustRef(t)(h.NewInt(9))); !errors.Is(err, ErrChannelFull) {
		t.Errorf("err = %v, want ErrChannelFull", err)
	}

	done := make(chan struct{})
	spawn(t, vm, once(func(th *Thread) {
		defer close(done)
		for i := 0; i < IOBufSize; i++ {
			r, err := ch.Receive(th)
			if err != nil {
				t.Errorf("receive: %v", err)
				return
			}
			if v := h.Int(r).Get(); v != int32(i) {
				t.Errorf("received %d, want %d", v, i)
			}
		}
	}))
	<-done
	if in, _ := ch.Pending(); in != 0 {
		t.Errorf("%d objects left", in)
	}
}

func TestIOChannelSendBlocksWhenFull(t *testing.T) {
	vm, _ := newTestVM(t)
	h := vm.Heap()
	ch := h.IO(mustRef(t)(vm.NewIOChannel()))

	notified := make(chan struct{}, IOBufSize+1)
	ch.OnOutput(func(*IOChannel) { notified <- struct{}{} })

	sent := make(chan struct{})
	sender := spawn(t, vm, once(func(th *Thread) {
		for i := 0; i <= IOBufSize; i++ {
			if err := ch.Send(th, mustRef(t)(h.NewInt(int32(i)))); err != nil {
				t.Errorf("send %d: %v", i, err)
				return
			}
		}
		close(sent)
	}))
	waitFor(t, "sender to block", func() bool { return sender.Asleep() })
	if _, out := ch.Pending(); out != IOBufSize {
		t.Fatalf("out = %d", out)
	}

	r, ok := ch.Take()
	if !ok || h.Int(r).Get() != 0 {
		t.Fatalf("Take = %d, %v", r, ok)
	}
	<-sent
	if len(notified) != IOBufSize+1 {
		t.Errorf("output handler ran %d times", len(notified))
	}
	for i := 1; i <= IOBufSize; i++ {
		r, ok := ch.Take()
		if !ok || h.Int(r).Get() != int32(i) {
			t.Errorf("Take %d = %d, %v", i, r, ok)
		}
	}
	if _, ok := ch.Take(); ok {
		t.Error("Take on an empty channel succeeded")
	}
}

func TestIOChannelReset(t *testing.T) {
	vm, _ := newTestVM(t)
	h := vm.Heap()
	ch := h.IO(mustRef(t)(vm.NewIOChannel()))

	errc := make(chan error, 1)
	th := spawn(t, vm, once(func(th *Thread) {
		_, err := ch.Receive(th)
		errc <- err
	}))
	waitFor(t, "receiver to block", func() bool { return th.Asleep() })

	ch.SetReset(true)
	if err := <-errc; !errors.Is(err, ErrReset) {
		t.Errorf("err = %v, want ErrReset", err)
	}
	if in, _ := ch.Sleepers(); len(in) != 0 {
		t.Errorf("reset left %v on the chain", in)
	}

	ch.SetReset(false)
	obj := mustRef(t)(h.NewInt(5))
	if err := ch.Deliver(obj); err != nil {
		t.Fatal(err)
	}
	got := make(chan Ref, 1)
	spawn(t, vm, once(func(th *Thread) {
		r, _ := ch.Receive(th)
		got <- r
	}))
	if r := <-got; r != obj {
		t.Errorf("received %d after reset cleared", r)
	}
}
