package configsync

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-mesh/internal/capability"
	"github.com/nerrad567/gray-logic-mesh/internal/field"
	"github.com/nerrad567/gray-logic-mesh/internal/netconfig"
	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

// Logger defines the logging interface used by the service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

const defaultSessionBacklog = 256

// Device is the driver-side configuration surface. The mesh controller
// implements it. Mutating methods are only called on the worker.
type Device interface {
	Store() *netconfig.Store
	SetOnChange(fn func(unitID uint16))

	ValidateParameter(id uint16, number uint8, value int32, width uint8, awake bool) error
	SetParameter(ctx context.Context, id uint16, number uint8, value int32, width uint8, awake bool) error

	ValidateAssociation(id uint16, group uint8, target capability.Target, awake bool) error
	AddAssociation(ctx context.Context, id uint16, group uint8, target capability.Target, awake bool) error
	DeleteAssociation(ctx context.Context, id uint16, group uint8, target capability.Target, awake bool) error
}

// Worker runs functions on the driver's worker. driver.Runner implements it.
type Worker interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config configures a Service.
type Config struct {
	DriverID string

	// Repository persists applied configuration. Nil disables persistence.
	Repository netconfig.Repository

	// Fields supplies live readings for Diagnostics. Optional.
	Fields *field.Store

	// SessionBacklog bounds the notifications a session holds before it
	// collapses them into a resync.
	SessionBacklog int
}

// Service is the config sync endpoint of one driver instance.
type Service struct {
	cfg    Config
	dev    Device
	worker Worker
	logger Logger

	mu         sync.Mutex
	sessions   map[string]*Session
	structural string
	seq        uint64

	persistMu sync.Mutex
	persisted uint64
}

// NewService creates a service and subscribes it to the device's change
// callback.
func NewService(cfg Config, dev Device, w Worker) *Service {
	if cfg.SessionBacklog <= 0 {
		cfg.SessionBacklog = defaultSessionBacklog
	}
	s := &Service{
		cfg:      cfg,
		dev:      dev,
		worker:   w,
		logger:   noopLogger{},
		sessions: make(map[string]*Session),
	}
	dev.SetOnChange(s.deviceChanged)
	return s
}

// SetLogger sets the logger for the service.
func (s *Service) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// DriverID returns the driver the service belongs to.
func (s *Service) DriverID() string { return s.cfg.DriverID }

// Serial returns the live configuration serial.
func (s *Service) Serial() uint64 { return s.dev.Store().Serial() }

// Download returns a snapshot of the live configuration.
func (s *Service) Download() *Snapshot {
	return s.wrap(s.dev.Store().Snapshot())
}

func (s *Service) wrap(snap *netconfig.Snapshot) *Snapshot {
	return &Snapshot{DriverID: s.cfg.DriverID, Serial: snap.Serial, Config: snap}
}

// Submit applies edits if the live serial still equals expected. A stale
// serial yields a Conflict result together with ErrConflict.
func (s *Service) Submit(ctx context.Context, edits Edits, expected uint64) (Result, error) {
	res, _, err := s.submit(ctx, edits, expected)
	return res, err
}

func (s *Service) submit(ctx context.Context, edits Edits, expected uint64) (Result, *netconfig.Snapshot, error) {
	if op, busy := s.structuralOp(); busy {
		return Result{}, nil, fmt.Errorf("%w: %s", ErrStructural, op)
	}

	var (
		res   Result
		after *netconfig.Snapshot
	)
	err := s.worker.Do(ctx, func(ctx context.Context) error {
		var err error
		res, after, err = s.apply(ctx, edits, expected)
		return err
	})
	if err != nil {
		return res, nil, err
	}
	s.persistQuietly(ctx)
	return res, after, nil
}

// apply runs on the worker.
func (s *Service) apply(ctx context.Context, edits Edits, expected uint64) (Result, *netconfig.Snapshot, error) {
	store := s.dev.Store()
	before := store.Snapshot()
	if before.Serial != expected {
		return Result{Status: StatusConflict, Serial: before.Serial}, nil,
			fmt.Errorf("%w: expected serial %d, current %d", ErrConflict, expected, before.Serial)
	}
	if err := s.validate(before, edits); err != nil {
		return Result{Serial: before.Serial}, nil, err
	}

	applied, err := s.write(ctx, edits)
	if applied > 0 && store.Serial() == before.Serial {
		store.Bump()
	}
	after := store.Snapshot()
	if err != nil {
		s.logger.Warn("submit partially applied", "driver_id", s.cfg.DriverID,
			"applied", applied, "serial", after.Serial, "error", err)
		return Result{Serial: after.Serial}, nil, fmt.Errorf("applying edits: %w", err)
	}

	changes := netconfig.Diff(before, after)
	s.logger.Info("configuration submitted", "driver_id", s.cfg.DriverID,
		"from_serial", before.Serial, "serial", after.Serial, "changes", len(changes))
	return Result{Status: StatusApplied, Serial: after.Serial, Changes: changes}, after, nil
}

// validate checks every edit against the snapshot and the device without
// touching either.
func (s *Service) validate(snap *netconfig.Snapshot, edits Edits) error {
	if edits.Empty() {
		return fmt.Errorf("%w: nothing to apply", ErrInvalidEdit)
	}

	seen := make(map[uint16]bool, len(edits.Units))
	for _, ue := range edits.Units {
		if seen[ue.ID] {
			return fmt.Errorf("%w: unit %d edited twice", ErrInvalidEdit, ue.ID)
		}
		seen[ue.ID] = true

		u := snap.Unit(ue.ID)
		if u == nil {
			return fmt.Errorf("%w: %d", unit.ErrUnitNotFound, ue.ID)
		}
		if err := checkSeenState(u, ue.SeenState); err != nil {
			return err
		}
		if !u.State.Editable() {
			return fmt.Errorf("%w: unit %d is %s", unit.ErrStaleState, u.ID, u.State)
		}
		for _, n := range slices.Sorted(maps.Keys(ue.Params)) {
			p := ue.Params[n]
			if err := s.dev.ValidateParameter(ue.ID, n, p.Value, p.Width, ue.Awake); err != nil {
				return fmt.Errorf("unit %d parameter %d: %w", ue.ID, n, err)
			}
		}
		for _, a := range ue.AddAssoc {
			if slices.Contains(ue.DelAssoc, a) {
				return fmt.Errorf("%w: unit %d group %d target %d both added and deleted",
					ErrInvalidEdit, ue.ID, a.Group, a.Target.Node)
			}
		}
		for _, a := range slices.Concat(ue.DelAssoc, ue.AddAssoc) {
			if err := s.dev.ValidateAssociation(ue.ID, a.Group, a.Target, ue.Awake); err != nil {
				return fmt.Errorf("unit %d group %d: %w", ue.ID, a.Group, err)
			}
		}
	}

	if len(edits.Groups) == 0 {
		return nil
	}
	groups := netconfig.NewGroups(len(snap.Groups))
	for i, name := range snap.Groups {
		if _, err := groups.Rename(uint8(i+1), name); err != nil {
			return err
		}
	}
	for _, id := range slices.Sorted(maps.Keys(edits.Groups)) {
		if _, err := groups.Rename(id, edits.Groups[id]); err != nil {
			return err
		}
	}
	return nil
}

// checkSeenState refuses edits to a unit whose state moved since the
// download. GetInitVals -> Ready is the one move that keeps edits valid.
func checkSeenState(u *unit.Unit, seen *unit.State) error {
	if seen == nil || *seen == u.State {
		return nil
	}
	if *seen == unit.StateGetInitVals && u.State == unit.StateReady {
		return nil
	}
	return fmt.Errorf("%w: unit %d moved from %s to %s", unit.ErrStaleState, u.ID, *seen, u.State)
}

// write applies validated edits in a fixed order: group names, then per
// unit parameters, removed and added associations. It returns how many
// edits were applied before the first failure.
func (s *Service) write(ctx context.Context, edits Edits) (int, error) {
	store := s.dev.Store()
	applied := 0

	for _, id := range slices.Sorted(maps.Keys(edits.Groups)) {
		if err := store.RenameGroup(id, edits.Groups[id]); err != nil {
			return applied, err
		}
		applied++
	}
	if len(edits.Groups) > 0 {
		s.deviceChanged(0)
	}

	for _, ue := range edits.Units {
		for _, n := range slices.Sorted(maps.Keys(ue.Params)) {
			p := ue.Params[n]
			if err := s.dev.SetParameter(ctx, ue.ID, n, p.Value, p.Width, ue.Awake); err != nil {
				return applied, fmt.Errorf("unit %d parameter %d: %w", ue.ID, n, err)
			}
			applied++
		}
		for _, a := range ue.DelAssoc {
			if err := s.dev.DeleteAssociation(ctx, ue.ID, a.Group, a.Target, ue.Awake); err != nil {
				return applied, fmt.Errorf("unit %d group %d: %w", ue.ID, a.Group, err)
			}
			applied++
		}
		for _, a := range ue.AddAssoc {
			if err := s.dev.AddAssociation(ctx, ue.ID, a.Group, a.Target, ue.Awake); err != nil {
				return applied, fmt.Errorf("unit %d group %d: %w", ue.ID, a.Group, err)
			}
			applied++
		}
	}
	return applied, nil
}

// Rename renames unit id if the live serial still equals expected. The
// serial advances even when the name is unchanged so a repeated rename
// conflicts.
func (s *Service) Rename(ctx context.Context, id uint16, name string, expected uint64) (Result, error) {
	res, _, err := s.rename(ctx, id, name, expected)
	return res, err
}

func (s *Service) rename(ctx context.Context, id uint16, name string, expected uint64) (Result, *netconfig.Snapshot, error) {
	if op, busy := s.structuralOp(); busy {
		return Result{}, nil, fmt.Errorf("%w: %s", ErrStructural, op)
	}

	var (
		res   Result
		after *netconfig.Snapshot
	)
	err := s.worker.Do(ctx, func(context.Context) error {
		store := s.dev.Store()
		before := store.Snapshot()
		if before.Serial != expected {
			res = Result{Status: StatusConflict, Serial: before.Serial}
			return fmt.Errorf("%w: expected serial %d, current %d", ErrConflict, expected, before.Serial)
		}
		if err := store.Units().Rename(id, name); err != nil {
			res = Result{Serial: before.Serial}
			return err
		}
		if store.Serial() == before.Serial {
			store.Bump()
		}
		after = store.Snapshot()
		res = Result{Status: StatusApplied, Serial: after.Serial, Changes: netconfig.Diff(before, after)}
		return nil
	})
	if err != nil {
		return res, nil, err
	}
	s.deviceChanged(id)
	s.persistQuietly(ctx)
	return res, after, nil
}

// BeginStructural marks the start of a structural operation. Until
// EndStructural, submits are refused and session notifications are held.
func (s *Service) BeginStructural(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.structural != "" {
		return fmt.Errorf("%w: %s", ErrStructural, s.structural)
	}
	s.structural = op
	n := s.nextLocked(NotifyStructuralBegin, 0)
	n.Op = op
	for _, sess := range s.sessions {
		sess.push(n, false)
	}
	s.logger.Info("structural operation started", "driver_id", s.cfg.DriverID, "op", op)
	return nil
}

// EndStructural ends the structural operation op, invalidates outstanding
// snapshots and releases held notifications in order. The configuration is
// persisted afterwards.
func (s *Service) EndStructural(ctx context.Context, op string) {
	s.mu.Lock()
	if s.structural != op {
		s.mu.Unlock()
		s.logger.Warn("structural end without begin", "driver_id", s.cfg.DriverID, "op", op)
		return
	}
	s.structural = ""
	s.dev.Store().Bump()
	n := s.nextLocked(NotifyStructuralEnd, 0)
	n.Op = op
	for _, sess := range s.sessions {
		sess.release()
		sess.push(n, false)
	}
	s.mu.Unlock()

	s.logger.Info("structural operation finished", "driver_id", s.cfg.DriverID, "op", op, "serial", n.Serial)
	s.persistQuietly(ctx)
}

// Structural returns the running structural operation, if any.
func (s *Service) Structural() (string, bool) { return s.structuralOp() }

func (s *Service) structuralOp() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.structural, s.structural != ""
}

// deviceChanged fans a driver-side change out to every session. It is the
// device's change callback and runs on the worker.
func (s *Service) deviceChanged(unitID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.nextLocked(NotifyChanged, unitID)
	hold := s.structural != ""
	for _, sess := range s.sessions {
		sess.push(n, hold)
	}
}

func (s *Service) nextLocked(kind NotificationKind, unitID uint16) Notification {
	s.seq++
	return Notification{
		Seq:      s.seq,
		Kind:     kind,
		DriverID: s.cfg.DriverID,
		UnitID:   unitID,
		Serial:   s.dev.Store().Serial(),
		At:       time.Now().UTC(),
	}
}

// OpenSession registers a new editor session.
func (s *Service) OpenSession() *Session {
	sess := newSession(uuid.NewString(), s)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
	if s.structural != "" {
		n := s.nextLocked(NotifyStructuralBegin, 0)
		n.Op = s.structural
		sess.push(n, false)
	}
	s.logger.Debug("sync session opened", "driver_id", s.cfg.DriverID, "session_id", sess.id)
	return sess
}

// SessionCount returns the number of open sessions.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) closeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.logger.Debug("sync session closed", "driver_id", s.cfg.DriverID, "session_id", id)
}

// Restore loads the persisted configuration into the device's store. It
// returns netconfig.ErrNotFound when nothing was saved yet. Call it before
// the driver starts.
func (s *Service) Restore(ctx context.Context) error {
	if s.cfg.Repository == nil {
		return netconfig.ErrNotFound
	}
	store := s.dev.Store()
	if err := netconfig.LoadStore(ctx, s.cfg.Repository, s.cfg.DriverID, store); err != nil {
		return err
	}

	s.persistMu.Lock()
	s.persisted = store.Serial()
	s.persistMu.Unlock()
	s.logger.Info("configuration restored", "driver_id", s.cfg.DriverID, "serial", s.persisted)
	return nil
}

// Persist saves the configuration if its serial moved since the last save.
// It reports whether anything was written.
func (s *Service) Persist(ctx context.Context) (bool, error) {
	if s.cfg.Repository == nil {
		return false, nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if s.dev.Store().Serial() == s.persisted {
		return false, nil
	}
	serial, err := netconfig.SaveStore(ctx, s.cfg.Repository, s.cfg.DriverID, s.dev.Store())
	if err != nil {
		return false, fmt.Errorf("persisting configuration for %s: %w", s.cfg.DriverID, err)
	}
	s.persisted = serial
	s.logger.Debug("configuration persisted", "driver_id", s.cfg.DriverID, "serial", serial)
	return true, nil
}

// persistQuietly saves after an applied change. A failure is logged; the
// next periodic Persist retries.
func (s *Service) persistQuietly(ctx context.Context) {
	if _, err := s.Persist(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("persist failed", "driver_id", s.cfg.DriverID, "error", err)
	}
}
