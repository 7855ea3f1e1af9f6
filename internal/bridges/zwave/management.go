package zwave

import (
	"context"
	"fmt"
	"slices"

	"github.com/nerrad567/gray-logic-mesh/internal/capability"
	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

// Association and configuration parameter management. These methods touch
// the network and must run on the driver worker (driver.Runner.Do). Every
// check that can fail without device I/O runs first, so a rejected call
// leaves both the device and the unit untouched.
//
// Sleeping units are only contacted when the caller asserts they are awake;
// otherwise ErrDeviceAsleep is returned for the caller to retry at the
// next wake-up.

// editableUnit returns unit id if remote edits may touch it.
func (c *Controller) editableUnit(id uint16) (*unit.Unit, error) {
	u, err := c.units.Get(id)
	if err != nil {
		return nil, err
	}
	if !u.State.Editable() {
		return nil, fmt.Errorf("%w: unit %d is %s", unit.ErrStaleState, id, u.State)
	}
	return u, nil
}

func checkAwake(u *unit.Unit, awake bool) error {
	if u.Listening || awake {
		return nil
	}
	return fmt.Errorf("%w: unit %d", ErrDeviceAsleep, u.ID)
}

// checkAssociation validates an association edit and returns the unit and
// its multi channel association version.
func (c *Controller) checkAssociation(id uint16, group uint8, target capability.Target, awake bool) (*unit.Unit, uint8, error) {
	u, err := c.editableUnit(id)
	if err != nil {
		return nil, 0, err
	}
	if group == 0 || group > u.GroupCount {
		return nil, 0, fmt.Errorf("%w: group %d, unit %d has %d", ErrGroupOutOfRange, group, id, u.GroupCount)
	}
	if target.Node == 0 || target.Node > maxNodeID {
		return nil, 0, fmt.Errorf("%w: node %d", ErrInvalidTarget, target.Node)
	}
	if !u.Capabilities.Has(capability.Association) && !u.Capabilities.Has(capability.MultiChannelAssociation) {
		return nil, 0, fmt.Errorf("%w: unit %d has no association capability", capability.ErrUnsupported, id)
	}
	mca := c.mcaVersion(u)
	if target.Endpoint != 0 && mca < 2 {
		return nil, 0, fmt.Errorf("%w: endpoint %d needs multi channel association v2, unit %d has v%d",
			capability.ErrUnsupported, target.Endpoint, id, mca)
	}
	if err := checkAwake(u, awake); err != nil {
		return nil, 0, err
	}
	return u, mca, nil
}

// AddAssociation adds target to association group of unit id.
func (c *Controller) AddAssociation(ctx context.Context, id uint16, group uint8, target capability.Target, awake bool) error {
	u, mca, err := c.checkAssociation(id, group, target, awake)
	if err != nil {
		return err
	}
	cmd, err := capability.AssociationSet(group, target, mca)
	if err != nil {
		return err
	}
	if err := c.send(ctx, id, cmd); err != nil {
		return err
	}

	members := u.Groups[group]
	if !slices.Contains(members, target) {
		members = append(slices.Clone(members), target)
	}
	if err := c.units.SetGroupMembers(id, group, members); err != nil {
		return err
	}
	c.logger.Info("association added", "driver_id", c.cfg.ID, "unit_id", id, "group", group,
		"target", target.Node, "endpoint", target.Endpoint)
	c.notify(id)
	return nil
}

// DeleteAssociation removes target from association group of unit id.
func (c *Controller) DeleteAssociation(ctx context.Context, id uint16, group uint8, target capability.Target, awake bool) error {
	u, mca, err := c.checkAssociation(id, group, target, awake)
	if err != nil {
		return err
	}
	cmd, err := capability.AssociationRemove(group, target, mca)
	if err != nil {
		return err
	}
	if err := c.send(ctx, id, cmd); err != nil {
		return err
	}

	members := slices.DeleteFunc(slices.Clone(u.Groups[group]), func(t capability.Target) bool { return t == target })
	if err := c.units.SetGroupMembers(id, group, members); err != nil {
		return err
	}
	c.logger.Info("association deleted", "driver_id", c.cfg.ID, "unit_id", id, "group", group,
		"target", target.Node, "endpoint", target.Endpoint)
	c.notify(id)
	return nil
}

// RefreshAssociations reads every group of unit id from the device.
func (c *Controller) RefreshAssociations(ctx context.Context, id uint16, awake bool) error {
	u, err := c.editableUnit(id)
	if err != nil {
		return err
	}
	if err := checkAwake(u, awake); err != nil {
		return err
	}
	if err := c.readGroups(ctx, u); err != nil {
		return err
	}
	c.notify(id)
	return nil
}

// checkParameter validates access to parameter number of unit id against
// its template. Units without a template accept any number.
func (c *Controller) checkParameter(id uint16, number uint8) (*unit.Unit, error) {
	u, err := c.editableUnit(id)
	if err != nil {
		return nil, err
	}
	if !u.Capabilities.Has(capability.Configuration) {
		return nil, fmt.Errorf("%w: unit %d has no configuration capability", capability.ErrUnsupported, id)
	}
	if t, ok := c.units.Template(id); ok {
		if _, ok := t.Param(number); !ok {
			return nil, fmt.Errorf("%w: parameter %d of %s", ErrUnknownParameter, number, t.Name)
		}
	}
	return u, nil
}

// QueryParameter reads parameter number from unit id and records it.
func (c *Controller) QueryParameter(ctx context.Context, id uint16, number uint8, awake bool) (unit.ParamValue, error) {
	u, err := c.checkParameter(id, number)
	if err != nil {
		return unit.ParamValue{}, err
	}
	if err := checkAwake(u, awake); err != nil {
		return unit.ParamValue{}, err
	}
	pv, err := c.readParameter(ctx, id, number)
	if err != nil {
		return unit.ParamValue{}, err
	}
	c.notify(id)
	return pv, nil
}

// ValidateAssociation checks an association edit without touching the
// device.
func (c *Controller) ValidateAssociation(id uint16, group uint8, target capability.Target, awake bool) error {
	_, _, err := c.checkAssociation(id, group, target, awake)
	return err
}

// ValidateParameter checks a parameter write without touching the device:
// the width must match the template's declared width and the value must lie
// within the template's range and fit the width.
func (c *Controller) ValidateParameter(id uint16, number uint8, value int32, width uint8, awake bool) error {
	u, err := c.checkParameter(id, number)
	if err != nil {
		return err
	}
	if !capability.ValidWidth(width) {
		return fmt.Errorf("%w: width %d", ErrWidthMismatch, width)
	}
	if t, ok := c.units.Template(id); ok {
		meta, _ := t.Param(number)
		if meta.Width != width {
			return fmt.Errorf("%w: parameter %d is %d bytes, got %d", ErrWidthMismatch, number, meta.Width, width)
		}
		if meta.Min < meta.Max && (value < meta.Min || value > meta.Max) {
			return fmt.Errorf("%w: parameter %d value %d outside %d..%d", ErrParamOutOfRange, number, value, meta.Min, meta.Max)
		}
	}
	if !capability.FitsWidth(value, width) {
		return fmt.Errorf("%w: value %d does not fit %d bytes", ErrParamOutOfRange, value, width)
	}
	return checkAwake(u, awake)
}

// SetParameter writes parameter number of unit id and records it.
func (c *Controller) SetParameter(ctx context.Context, id uint16, number uint8, value int32, width uint8, awake bool) error {
	if err := c.ValidateParameter(id, number, value, width, awake); err != nil {
		return err
	}
	cmd, err := capability.ConfigurationSet(number, width, value)
	if err != nil {
		return err
	}
	if err := c.send(ctx, id, cmd); err != nil {
		return err
	}
	if err := c.units.SetParam(id, number, value, width); err != nil {
		return err
	}
	c.logger.Info("parameter set", "driver_id", c.cfg.ID, "unit_id", id, "number", number, "value", value, "width", width)
	c.notify(id)
	return nil
}
