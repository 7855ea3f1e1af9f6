package zwave

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-mesh/internal/capability"
	"github.com/nerrad567/gray-logic-mesh/internal/catalog"
	"github.com/nerrad567/gray-logic-mesh/internal/fault"
	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

// interviewPending advances the interview of every unit below Ready.
// Sleeping units are only interviewed while awake; the protocol info step
// needs only the controller and runs for every Discovered unit.
func (c *Controller) interviewPending(ctx context.Context) error {
	for _, u := range c.unitsByID() {
		if u.State == unit.StateReady || u.State == unit.StateFailed {
			continue
		}
		err := c.interview(ctx, u.ID)
		switch {
		case err == nil:
		case errors.Is(err, errBudget), linkFailure(err):
			return err
		case errors.Is(err, fault.ErrDeviceUnreachable):
			c.recordFailure(nil, u, err)
		default:
			c.logger.Warn("interview step failed",
				"driver_id", c.cfg.ID, "unit_id", u.ID, "state", u.State.String(), "error", err)
		}
	}
	return nil
}

// interview runs interview steps for unit id until it is Ready, the unit
// is unreachable, or a step fails. Each step advances the state only once
// it completed, so an interrupted step is repeated from the start.
func (c *Controller) interview(ctx context.Context, id uint16) error {
	for {
		u, err := c.units.Get(id)
		if err != nil {
			return err
		}
		if u.State != unit.StateDiscovered && !u.Reachable() {
			return nil
		}

		switch u.State {
		case unit.StateDiscovered:
			err = c.identifyProtocol(ctx, u)
		case unit.StateIdentifyingCapabilities:
			err = c.identifyCapabilities(ctx, u)
		case unit.StateGetInitVals:
			err = c.getInitVals(ctx, u)
		default:
			return nil
		}
		if err != nil {
			return err
		}
		c.notify(id)
	}
}

// identifyProtocol asks the controller for the node's protocol info
// (listening flag and type tags).
func (c *Controller) identifyProtocol(ctx context.Context, u *unit.Unit) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}
	resp, err := conn.Call(ctx, FuncGetNodeProtocolInfo, []byte{byte(u.ID)})
	if err != nil {
		return fmt.Errorf("protocol info: %w", err)
	}
	info, err := parseProtocolInfo(resp)
	if err != nil {
		return err
	}

	err = c.units.Update(u.ID, func(u *unit.Unit) error {
		u.Listening = info.listening
		u.BasicType = info.basic
		u.GenericType = info.generic
		u.SpecificType = info.specific
		return nil
	})
	if err != nil {
		return err
	}
	return c.units.Transition(u.ID, unit.StateIdentifyingCapabilities)
}

// identifyCapabilities discovers the capability set and versions, reads the
// manufacturer signature, binds the template and learns the group count.
func (c *Controller) identifyCapabilities(ctx context.Context, u *unit.Unit) error {
	conn, err := c.connected()
	if err != nil {
		return err
	}
	if !c.hasBudget(ctx) {
		return errBudget
	}
	nctx, cancel := c.nodeContext(ctx)
	nif, err := conn.RequestNodeInfo(nctx, u.ID)
	cancel()
	if err != nil {
		return fmt.Errorf("node info: %w", err)
	}
	if len(nif) < 3 {
		return fmt.Errorf("%w: node info of %d bytes", ErrInvalidFrame, len(nif))
	}

	ids := make([]capability.ID, 0, len(nif)-3)
	hasVersion := false
	for _, b := range nif[3:] {
		id := capability.ID(b)
		ids = append(ids, id)
		hasVersion = hasVersion || id == capability.Version
	}

	set := make(capability.Set, len(ids))
	for _, id := range ids {
		version := uint8(1)
		if hasVersion && id != capability.Version {
			version, err = c.queryVersion(ctx, u.ID, id)
			if err != nil {
				return err
			}
			if version == 0 {
				continue
			}
		}
		if err := set.Add(capability.Descriptor{ID: id, Version: version, Verbs: capability.HandlerFor(id).Verbs(version)}); err != nil {
			c.logger.Debug("node lists capability twice", "driver_id", c.cfg.ID, "unit_id", u.ID, "capability", id.String())
		}
	}

	var groups uint8
	if set.Has(capability.Association) {
		report, err := c.request(ctx, u.ID, capability.AssociationGroupingsGet(), func(cmd []byte) bool {
			_, err := capability.ParseAssociationGroupingsReport(cmd)
			return err == nil
		})
		if err != nil {
			return fmt.Errorf("association groupings: %w", err)
		}
		groups, _ = capability.ParseAssociationGroupingsReport(report)
	}

	err = c.units.Update(u.ID, func(u *unit.Unit) error {
		u.BasicType, u.GenericType, u.SpecificType = nif[0], nif[1], nif[2]
		u.Capabilities = set
		u.GroupCount = groups
		return nil
	})
	if err != nil {
		return err
	}

	if set.Has(capability.ManufacturerSpecific) {
		if err := c.bindTemplate(ctx, u.ID); err != nil {
			return err
		}
	}

	c.fieldsDirty = true
	return c.units.Transition(u.ID, unit.StateGetInitVals)
}

func (c *Controller) queryVersion(ctx context.Context, node uint16, id capability.ID) (uint8, error) {
	report, err := c.request(ctx, node, capability.VersionCommandClassGet(id), func(cmd []byte) bool {
		got, _, err := capability.ParseVersionCommandClassReport(cmd)
		return err == nil && got == id
	})
	if err != nil {
		return 0, fmt.Errorf("version of %s: %w", id, err)
	}
	_, v, _ := capability.ParseVersionCommandClassReport(report)
	return v, nil
}

// bindTemplate reads the manufacturer signature and binds the matching
// template. A missing template leaves the unit raw.
func (c *Controller) bindTemplate(ctx context.Context, id uint16) error {
	report, err := c.request(ctx, id, capability.ManufacturerGet(), func(cmd []byte) bool {
		_, _, _, err := capability.ParseManufacturerReport(cmd)
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("manufacturer: %w", err)
	}
	vendor, productType, productID, _ := capability.ParseManufacturerReport(report)
	sig := catalog.Signature{Vendor: vendor, ProductType: productType, ProductID: productID}

	t, err := c.catalog.LoadDeviceInfo(sig, c.units, id)
	switch {
	case err == nil:
		c.logger.Info("device template bound", "driver_id", c.cfg.ID, "unit_id", id, "signature", sig.String(), "template", t.Name)
		return nil
	case errors.Is(err, catalog.ErrTemplateNotFound):
		c.logger.Info("no device template, unit stays raw", "driver_id", c.cfg.ID, "unit_id", id, "signature", sig.String())
		return nil
	default:
		// A broken template must not block the interview.
		c.logger.Warn("device template unusable", "driver_id", c.cfg.ID, "unit_id", id, "signature", sig.String(), "error", err)
		return nil
	}
}

// getInitVals reads the template's configuration parameters and the
// members of every association group, then moves the unit to Ready.
func (c *Controller) getInitVals(ctx context.Context, u *unit.Unit) error {
	if t, ok := c.units.Template(u.ID); ok && u.Capabilities.Has(capability.Configuration) {
		for _, number := range t.ParamNumbers() {
			if _, err := c.readParameter(ctx, u.ID, number); err != nil {
				return err
			}
		}
	}
	if err := c.readGroups(ctx, u); err != nil {
		return err
	}
	return c.units.Transition(u.ID, unit.StateReady)
}

// readParameter queries one parameter and records it.
func (c *Controller) readParameter(ctx context.Context, id uint16, number uint8) (unit.ParamValue, error) {
	report, err := c.request(ctx, id, capability.ConfigurationGet(number), func(cmd []byte) bool {
		n, _, _, err := capability.ParseConfigurationReport(cmd)
		return err == nil && n == number
	})
	if err != nil {
		return unit.ParamValue{}, fmt.Errorf("parameter %d: %w", number, err)
	}
	_, width, value, _ := capability.ParseConfigurationReport(report)
	if err := c.units.SetParam(id, number, value, width); err != nil {
		return unit.ParamValue{}, err
	}
	return unit.ParamValue{Value: value, Width: width}, nil
}

// readGroups refreshes the recorded members of every group of u.
func (c *Controller) readGroups(ctx context.Context, u *unit.Unit) error {
	if !u.Capabilities.Has(capability.Association) && !u.Capabilities.Has(capability.MultiChannelAssociation) {
		return nil
	}
	multi := c.mcaVersion(u) >= 2
	for g := uint8(1); g <= u.GroupCount && g != 0; g++ {
		group := g
		report, err := c.request(ctx, u.ID, capability.AssociationGet(group, multi), func(cmd []byte) bool {
			got, _, _, err := capability.ParseAssociationReport(cmd)
			return err == nil && got == group
		})
		if err != nil {
			return fmt.Errorf("association group %d: %w", group, err)
		}
		_, _, targets, _ := capability.ParseAssociationReport(report)
		if err := c.units.SetGroupMembers(u.ID, group, targets); err != nil {
			return err
		}
	}
	return nil
}

// mcaVersion returns the effective multi channel association version of u,
// or 0 without the capability.
func (c *Controller) mcaVersion(u *unit.Unit) uint8 {
	_, v, ok := c.handlerFor(u, capability.MultiChannelAssociation)
	if !ok {
		return 0
	}
	return v
}
