package drive

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// EventKind tells whether a device appeared or went away.
type EventKind int

const (
	Arrived EventKind = iota
	Removed
)

func (k EventKind) String() string {
	if k == Removed {
		return "removed"
	}
	return "arrived"
}

// Event is one change seen by a Watcher.
type Event struct {
	Kind EventKind
	Info Info
}

// Watcher polls a Lister and reports devices coming and going.
type Watcher struct {
	lister   Lister
	interval time.Duration
	log      *slog.Logger
}

// NewWatcher polls l every interval.
func NewWatcher(l Lister, interval time.Duration, log *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{lister: l, interval: interval, log: log.With("component", "watch")}
}

// Run reports every device present at start as Arrived, then changes as
// they happen, until ctx is done. List errors are logged and the poll is
// retried on the next tick.
func (w *Watcher) Run(ctx context.Context, fn func(Event)) error {
	known := map[string]Info{}
	poll := func() {
		infos, err := w.lister.List()
		if err != nil {
			w.log.Warn("list devices", "err", err)
			return
		}
		cur := make(map[string]Info, len(infos))
		for _, in := range infos {
			cur[in.Path] = in
		}
		for _, ev := range diffDevices(known, cur) {
			fn(ev)
		}
		known = cur
	}

	poll()
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			poll()
		}
	}
}

// diffDevices lists removals then arrivals, each ordered by path. A device
// whose size changed (media swapped in a card reader) counts as removed and
// arrived again.
func diffDevices(prev, cur map[string]Info) []Event {
	var removed, arrived []Event
	for p, in := range prev {
		if c, ok := cur[p]; !ok || c.Size != in.Size {
			removed = append(removed, Event{Kind: Removed, Info: in})
		}
	}
	for p, in := range cur {
		if old, ok := prev[p]; !ok || old.Size != in.Size {
			arrived = append(arrived, Event{Kind: Arrived, Info: in})
		}
	}
	byPath := func(evs []Event) {
		sort.Slice(evs, func(i, j int) bool { return evs[i].Info.Path < evs[j].Info.Path })
	}
	byPath(removed)
	byPath(arrived)
	return append(removed, arrived...)
}
