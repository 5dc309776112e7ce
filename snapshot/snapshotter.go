package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/rxell/phantomuserland/vm"
)

var log = commonlog.GetLogger("phantom.snapshot")

// ---------------------------------------------------------------------------
// Snapshotter: takes snapshots of a VM into a Store
// ---------------------------------------------------------------------------

// DefaultInterval is the default period between automatic snapshots.
const DefaultInterval = time.Minute

// Options configures a Snapshotter.
type Options struct {
	Interval time.Duration // period of the Start loop
	Retain   int           // snapshots kept in the catalog; 0 keeps all
	Collect  bool          // collect garbage before capturing
}

// Snapshotter captures a VM at safe points, encodes the image once the
// threads have resumed, and stores it.
type Snapshotter struct {
	vm    *vm.VM
	store *Store
	opts  Options

	stop    chan struct{}
	stopped chan struct{}
	mu      sync.Mutex // protects start/stop lifecycle

	count atomic.Uint64
	last  atomic.Pointer[Meta]
}

// NewSnapshotter creates a Snapshotter for v writing into store.
func NewSnapshotter(v *vm.VM, store *Store, opts Options) *Snapshotter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Snapshotter{vm: v, store: store, opts: opts}
}

// Store returns the catalog snapshots are written to.
func (s *Snapshotter) Store() *Store { return s.store }

// Count returns the number of snapshots taken.
func (s *Snapshotter) Count() uint64 { return s.count.Load() }

// Last returns the most recent snapshot taken, or nil.
func (s *Snapshotter) Last() *Meta { return s.last.Load() }

// Take brings the VM to quiescence, captures its heap and stores the image.
// It fails with vm.ErrStopping once the VM has been stopped.
func (s *Snapshotter) Take(ctx context.Context) (Meta, error) {
	var img *Image
	var collected vm.CollectStats
	err := s.vm.Snapshot(func() error {
		if s.opts.Collect {
			collected = s.vm.Collect()
		}
		var err error
		img, err = Capture(s.vm)
		return err
	})
	if err != nil {
		return Meta{}, err
	}
	if collected.Freed > 0 {
		log.Debugf("generation %d: collected %d objects", img.Generation, collected.Freed)
	}
	return s.save(ctx, img)
}

// Final stops the VM and stores a last image of the stopped heap. Stopped
// threads keep their contexts, so the image holds them as they were at their
// last safe point.
func (s *Snapshotter) Final(ctx context.Context) (Meta, error) {
	var meta Meta
	err := s.vm.Shutdown(func() error {
		img, err := Capture(s.vm)
		if err != nil {
			return err
		}
		meta, err = s.save(ctx, img)
		return err
	})
	return meta, err
}

func (s *Snapshotter) save(ctx context.Context, img *Image) (Meta, error) {
	data, err := Encode(img)
	if err != nil {
		return Meta{}, fmt.Errorf("snapshot: encode image: %w", err)
	}
	meta := Meta{
		ID:         uuid.NewString(),
		Generation: img.Generation,
		TakenAt:    time.Unix(0, img.TakenAt),
		Objects:    len(img.Objects),
		Threads:    img.Count(vm.ClassThread),
		Bytes:      len(data),
	}
	if err := s.store.Put(ctx, meta, data); err != nil {
		return Meta{}, err
	}
	if s.opts.Retain > 0 {
		if n, err := s.store.Prune(ctx, s.opts.Retain); err != nil {
			log.Warning(err.Error())
		} else if n > 0 {
			log.Debugf("pruned %d snapshots", n)
		}
	}

	s.count.Add(1)
	s.last.Store(&meta)
	log.Infof("snapshot %s: generation %d, %d objects, %d threads, %d bytes",
		meta.ID, meta.Generation, meta.Objects, meta.Threads, meta.Bytes)
	return meta, nil
}

// Start begins taking snapshots every Interval. It is safe to call Start
// multiple times; only one loop will run.
func (s *Snapshotter) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})

	stopCh := s.stop
	stoppedCh := s.stopped
	go s.loop(stopCh, stoppedCh)
}

// Stop halts the loop and waits for a snapshot in progress to finish. It is
// safe to call Stop multiple times or on a Snapshotter never started.
func (s *Snapshotter) Stop() {
	s.mu.Lock()
	stopCh := s.stop
	stoppedCh := s.stopped
	s.stop = nil
	s.stopped = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

func (s *Snapshotter) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := s.Take(context.Background()); err != nil {
				if errors.Is(err, vm.ErrStopping) {
					return
				}
				log.Errorf("periodic snapshot: %s", err.Error())
			}
		}
	}
}
