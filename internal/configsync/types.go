package configsync

import (
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/capability"
	"github.com/nerrad567/gray-logic-mesh/internal/netconfig"
	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

// Snapshot is what an editor downloads.
type Snapshot struct {
	DriverID string              `json:"driver_id"`
	Serial   uint64              `json:"serial"`
	Config   *netconfig.Snapshot `json:"config"`
}

// ParamEdit is a new value for one configuration parameter.
type ParamEdit struct {
	Value int32 `json:"value"`
	Width uint8 `json:"width"`
}

// AssocEdit adds or removes one association target.
type AssocEdit struct {
	Group  uint8             `json:"group"`
	Target capability.Target `json:"target"`
}

// UnitEdit holds the edits of one unit.
type UnitEdit struct {
	ID uint16 `json:"id"`

	// SeenState is the unit state in the editor's download. The edit is
	// refused when the unit has moved anywhere but GetInitVals -> Ready
	// since. Nil skips the check.
	SeenState *unit.State `json:"seen_state,omitempty"`

	Params   map[uint8]ParamEdit `json:"params,omitempty"`
	AddAssoc []AssocEdit         `json:"add_assoc,omitempty"`
	DelAssoc []AssocEdit         `json:"del_assoc,omitempty"`

	// Awake asserts that a sleeping unit is awake now.
	Awake bool `json:"awake,omitempty"`
}

// Edits is one submit.
type Edits struct {
	Units []UnitEdit `json:"units,omitempty"`

	// Groups renames group slots; an empty name clears the slot.
	Groups map[uint8]string `json:"groups,omitempty"`
}

// Empty reports whether e changes nothing.
func (e Edits) Empty() bool {
	if len(e.Groups) > 0 {
		return false
	}
	for _, u := range e.Units {
		if len(u.Params) > 0 || len(u.AddAssoc) > 0 || len(u.DelAssoc) > 0 {
			return false
		}
	}
	return true
}

// Status is the outcome of a submit.
type Status string

// Submit outcomes.
const (
	StatusApplied  Status = "applied"
	StatusConflict Status = "conflict"
)

// Result reports a submit or rename. Serial is the live serial afterwards.
type Result struct {
	Status  Status             `json:"status"`
	Serial  uint64             `json:"serial"`
	Changes []netconfig.Change `json:"changes,omitempty"`
}

// NotificationKind classifies a notification.
type NotificationKind string

// Notification kinds.
const (
	// NotifyChanged reports a driver-side configuration change.
	NotifyChanged NotificationKind = "changed"

	// NotifyStructuralBegin and NotifyStructuralEnd bracket a structural
	// operation.
	NotifyStructuralBegin NotificationKind = "structural_begin"
	NotifyStructuralEnd   NotificationKind = "structural_end"

	// NotifyResync tells the editor that notifications were lost and it
	// must download again.
	NotifyResync NotificationKind = "resync"
)

// Notification is one event delivered to a session.
type Notification struct {
	Seq      uint64           `json:"seq"`
	Kind     NotificationKind `json:"kind"`
	DriverID string           `json:"driver_id"`

	// UnitID is the changed unit; 0 for network-wide changes.
	UnitID uint16 `json:"unit_id,omitempty"`

	// Op names the structural operation.
	Op string `json:"op,omitempty"`

	// Serial is the configuration serial when the change was observed.
	Serial uint64    `json:"serial"`
	At     time.Time `json:"at"`
}
