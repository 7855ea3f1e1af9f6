package zwave

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nerrad567/gray-logic-mesh/internal/capability"
	"github.com/nerrad567/gray-logic-mesh/internal/driver"
	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

// Backdoor commands.
const (
	CmdInclude             = "include"
	CmdExclude             = "exclude"
	CmdReset               = "reset"
	CmdHeal                = "heal"
	CmdRetarget            = "retarget"
	CmdRefreshNode         = "refresh_node"
	CmdRefreshAssociations = "refresh_associations"
	CmdQueryParameter      = "query_parameter"
	CmdStatus              = "status"
)

// Structural reports whether cmd changes the set of nodes on the network.
func Structural(cmd string) bool {
	switch cmd {
	case CmdInclude, CmdExclude, CmdReset:
		return true
	default:
		return false
	}
}

// Network management modes and status codes.
const (
	modeAnyNode   = 0x01
	statusSuccess = 0x00
)

// Backdoor implements driver.Driver.
func (c *Controller) Backdoor(ctx context.Context, cmd string, params map[string]string) (driver.BackdoorResult, error) {
	switch cmd {
	case CmdStatus:
		return c.status(), nil
	case CmdRetarget:
		return c.retarget(params)
	case CmdInclude:
		return c.include(ctx)
	case CmdExclude:
		return c.exclude(ctx)
	case CmdReset:
		return c.resetNetwork(ctx)
	case CmdHeal:
		return c.heal(ctx)
	case CmdRefreshNode:
		return c.refreshNode(params)
	case CmdRefreshAssociations:
		id, err := nodeParam(params)
		if err != nil {
			return driver.BackdoorResult{}, err
		}
		awake, _ := strconv.ParseBool(params["awake"])
		if err := c.RefreshAssociations(ctx, id, awake); err != nil {
			return driver.BackdoorResult{}, err
		}
		return driver.BackdoorResult{Message: fmt.Sprintf("associations of node %d refreshed", id)}, nil
	case CmdQueryParameter:
		return c.queryParameter(ctx, params)
	default:
		return driver.BackdoorResult{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

func nodeParam(params map[string]string) (uint16, error) {
	n, err := strconv.ParseUint(params["node"], 10, 16)
	if err != nil || n == 0 || n > maxNodeID {
		return 0, fmt.Errorf("%w: node %q", ErrInvalidTarget, params["node"])
	}
	return uint16(n), nil
}

// queryParameter reads one configuration parameter for a remote editor.
func (c *Controller) queryParameter(ctx context.Context, params map[string]string) (driver.BackdoorResult, error) {
	id, err := nodeParam(params)
	if err != nil {
		return driver.BackdoorResult{}, err
	}
	n, err := strconv.ParseUint(params["number"], 10, 8)
	if err != nil {
		return driver.BackdoorResult{}, fmt.Errorf("%w: number %q", ErrUnknownParameter, params["number"])
	}
	awake, _ := strconv.ParseBool(params["awake"])

	pv, err := c.QueryParameter(ctx, id, uint8(n), awake)
	if err != nil {
		return driver.BackdoorResult{}, err
	}
	return driver.BackdoorResult{
		Message: fmt.Sprintf("parameter %d of node %d is %d", n, id, pv.Value),
		Data: map[string]any{
			"node":   id,
			"number": uint8(n),
			"value":  pv.Value,
			"width":  pv.Width,
		},
	}, nil
}

func (c *Controller) status() driver.BackdoorResult {
	info := c.Info()
	return driver.BackdoorResult{
		Message: "ok",
		Data: map[string]any{
			"connection": c.Connection(),
			"connected":  c.IsConnected(),
			"version":    info.Version,
			"nodes":      info.Nodes,
			"units":      c.units.Len(),
			"stats":      c.Stats(),
		},
	}
}

// retarget points the driver at a new controller URL. The runner drops the
// connection and reconnects at once.
func (c *Controller) retarget(params map[string]string) (driver.BackdoorResult, error) {
	conn := params["connection"]
	if _, _, err := parseConnectionURL(conn); err != nil {
		return driver.BackdoorResult{}, err
	}
	c.mu.Lock()
	old := c.cfg.Connection
	c.cfg.Connection = conn
	c.mu.Unlock()

	c.logger.Info("driver retargeted", "driver_id", c.cfg.ID, "from", old, "to", conn)
	return driver.BackdoorResult{
		Message:     "retargeted to " + conn,
		Data:        map[string]any{"connection": conn},
		ResetTimers: true,
		Reconnect:   true,
	}, nil
}

// include puts the controller in inclusion mode and adds the node that
// joins. The call waits for the request timeout at most.
func (c *Controller) include(ctx context.Context) (driver.BackdoorResult, error) {
	conn, err := c.connected()
	if err != nil {
		return driver.BackdoorResult{}, err
	}
	resp, err := conn.Call(ctx, FuncAddNode, []byte{modeAnyNode})
	if err != nil {
		return driver.BackdoorResult{}, fmt.Errorf("add node: %w", err)
	}
	if len(resp) < 2 || resp[0] != statusSuccess || resp[1] == 0 {
		return driver.BackdoorResult{}, fmt.Errorf("%w: inclusion status %x", ErrOperationFailed, resp)
	}
	id := uint16(resp[1])
	if _, _, err := c.units.Add(id); err != nil {
		return driver.BackdoorResult{}, err
	}
	if err := c.units.Reset(id); err != nil {
		return driver.BackdoorResult{}, err
	}
	c.logger.Info("node included", "driver_id", c.cfg.ID, "unit_id", id)
	c.notify(id)
	return driver.BackdoorResult{
		Message:     fmt.Sprintf("node %d included", id),
		Data:        map[string]any{"node": id},
		ResetTimers: true,
	}, nil
}

// exclude puts the controller in exclusion mode and removes the node that
// leaves.
func (c *Controller) exclude(ctx context.Context) (driver.BackdoorResult, error) {
	conn, err := c.connected()
	if err != nil {
		return driver.BackdoorResult{}, err
	}
	resp, err := conn.Call(ctx, FuncRemoveNode, []byte{modeAnyNode})
	if err != nil {
		return driver.BackdoorResult{}, fmt.Errorf("remove node: %w", err)
	}
	if len(resp) < 2 || resp[0] != statusSuccess {
		return driver.BackdoorResult{}, fmt.Errorf("%w: exclusion status %x", ErrOperationFailed, resp)
	}
	id := uint16(resp[1])
	if id != 0 {
		if err := c.units.Remove(id); err != nil {
			c.logger.Warn("excluded node was not registered", "driver_id", c.cfg.ID, "unit_id", id)
		}
		delete(c.failures, id)
	}
	c.fieldsDirty = true
	c.logger.Info("node excluded", "driver_id", c.cfg.ID, "unit_id", id)
	c.notify(id)
	return driver.BackdoorResult{
		Message:     fmt.Sprintf("node %d excluded", id),
		Data:        map[string]any{"node": id},
		ResetTimers: true,
	}, nil
}

// resetNetwork resets the controller to factory defaults. Every unit is
// removed; group names are kept.
func (c *Controller) resetNetwork(ctx context.Context) (driver.BackdoorResult, error) {
	conn, err := c.connected()
	if err != nil {
		return driver.BackdoorResult{}, err
	}
	resp, err := conn.Call(ctx, FuncSetDefault, nil)
	if err != nil {
		return driver.BackdoorResult{}, fmt.Errorf("set default: %w", err)
	}
	if len(resp) < 1 || resp[0] != statusSuccess {
		return driver.BackdoorResult{}, fmt.Errorf("%w: reset status %x", ErrOperationFailed, resp)
	}
	removed := c.units.Len()
	if err := c.units.Replace(nil); err != nil {
		return driver.BackdoorResult{}, err
	}
	clear(c.failures)
	c.fieldsDirty = true
	c.logger.Warn("controller reset to defaults", "driver_id", c.cfg.ID, "removed_units", removed)
	c.notify(0)
	return driver.BackdoorResult{
		Message:     "network reset",
		Data:        map[string]any{"removed_units": removed},
		ResetTimers: true,
	}, nil
}

// heal asks every listening node to rediscover its neighbours, as far as
// the request budget allows.
func (c *Controller) heal(ctx context.Context) (driver.BackdoorResult, error) {
	conn, err := c.connected()
	if err != nil {
		return driver.BackdoorResult{}, err
	}
	var healed, skipped []uint16
	for _, u := range c.unitsByID() {
		if !u.Listening || u.State == unit.StateFailed || !c.hasBudget(ctx) {
			skipped = append(skipped, u.ID)
			continue
		}
		nctx, cancel := c.nodeContext(ctx)
		resp, err := conn.Call(nctx, FuncRequestNodeNeighborUpdate, []byte{byte(u.ID)})
		cancel()
		if err != nil {
			if linkFailure(err) {
				return driver.BackdoorResult{}, err
			}
			skipped = append(skipped, u.ID)
			continue
		}
		if len(resp) < 1 || resp[0] != statusSuccess {
			skipped = append(skipped, u.ID)
			continue
		}
		healed = append(healed, u.ID)
	}
	return driver.BackdoorResult{
		Message: fmt.Sprintf("%d nodes healed", len(healed)),
		Data:    map[string]any{"healed": healed, "skipped": skipped},
	}, nil
}

// refreshNode sends unit id back to Discovered so it is interviewed again
// on the next poll.
func (c *Controller) refreshNode(params map[string]string) (driver.BackdoorResult, error) {
	id, err := nodeParam(params)
	if err != nil {
		return driver.BackdoorResult{}, err
	}
	if id == capability.ControllerNodeID {
		return driver.BackdoorResult{}, fmt.Errorf("%w: node %d is the controller", ErrInvalidTarget, id)
	}
	if err := c.units.Reset(id); err != nil {
		return driver.BackdoorResult{}, err
	}
	delete(c.failures, id)
	c.notify(id)
	return driver.BackdoorResult{
		Message:     fmt.Sprintf("node %d queued for interview", id),
		ResetTimers: true,
	}, nil
}
