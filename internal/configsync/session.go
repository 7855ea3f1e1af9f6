package configsync

import (
	"context"
	"sync"

	"github.com/nerrad567/gray-logic-mesh/internal/netconfig"
)

// Session is one remote editor's view of a driver's configuration.
//
// Notifications queue until Drain. During a structural operation they are
// held and only join the queue when the operation ends. A session that
// falls more than the backlog behind loses its queue and gets a single
// resync notification instead.
type Session struct {
	id      string
	svc     *Service
	backlog int

	mu     sync.Mutex
	queue  []Notification
	held   []Notification
	base   *Snapshot
	closed bool

	ready chan struct{}
	done  chan struct{}
}

func newSession(id string, svc *Service) *Session {
	return &Session{
		id:      id,
		svc:     svc,
		backlog: svc.cfg.SessionBacklog,
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// DriverID returns the driver the session edits.
func (s *Session) DriverID() string { return s.svc.cfg.DriverID }

// Ready is signalled when notifications are waiting.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed by Close.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) push(n Notification, hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if hold {
		s.held = s.overflow(s.held, n)
		return
	}
	s.queue = s.overflow(s.queue, n)
	s.signal()
}

// overflow appends n to q, collapsing q into one resync notification once
// it reaches the backlog. Changes behind a pending resync fold into it.
func (s *Session) overflow(q []Notification, n Notification) []Notification {
	if len(q) == 1 && q[0].Kind == NotifyResync && n.Kind == NotifyChanged {
		q[0].Seq, q[0].Serial, q[0].At = n.Seq, n.Serial, n.At
		return q
	}
	if len(q) < s.backlog {
		return append(q, n)
	}
	n.Kind, n.UnitID, n.Op = NotifyResync, 0, ""
	return []Notification{n}
}

// release moves held notifications to the queue.
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.held {
		s.queue = s.overflow(s.queue, n)
	}
	s.held = nil
	if len(s.queue) > 0 {
		s.signal()
	}
}

func (s *Session) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Drain returns and clears the queued notifications in order.
func (s *Session) Drain() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Held returns how many notifications wait for a structural operation to
// end.
func (s *Session) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

// Download fetches the live configuration and makes it the session's base
// for later submits.
func (s *Session) Download() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.base = s.svc.Download()
	return s.base, nil
}

// Base returns the snapshot the session edits against.
func (s *Session) Base() (*Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base, s.base != nil
}

func (s *Session) baseForSubmit() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.base == nil {
		return nil, ErrNoDownload
	}
	return s.base, nil
}

func (s *Session) rebase(after *netconfig.Snapshot) {
	if after == nil {
		return
	}
	s.mu.Lock()
	s.base = s.svc.wrap(after)
	s.mu.Unlock()
}

// Submit applies edits against the session's base. Units without a seen
// state get the one from the base. An applied submit moves the base to the
// configuration it produced.
func (s *Session) Submit(ctx context.Context, edits Edits) (Result, error) {
	base, err := s.baseForSubmit()
	if err != nil {
		return Result{}, err
	}

	units := make([]UnitEdit, len(edits.Units))
	for i, ue := range edits.Units {
		if ue.SeenState == nil {
			if u := base.Config.Unit(ue.ID); u != nil {
				st := u.State
				ue.SeenState = &st
			}
		}
		units[i] = ue
	}
	edits.Units = units

	res, after, err := s.svc.submit(ctx, edits, base.Serial)
	if err != nil {
		return res, err
	}
	s.rebase(after)
	return res, nil
}

// Rename renames a unit against the session's base.
func (s *Session) Rename(ctx context.Context, id uint16, name string) (Result, error) {
	base, err := s.baseForSubmit()
	if err != nil {
		return Result{}, err
	}
	res, after, err := s.svc.rename(ctx, id, name, base.Serial)
	if err != nil {
		return res, err
	}
	s.rebase(after)
	return res, nil
}

// Close unregisters the session. Further calls fail with ErrSessionClosed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue, s.held = nil, nil
	close(s.done)
	s.mu.Unlock()

	s.svc.closeSession(s.id)
}
