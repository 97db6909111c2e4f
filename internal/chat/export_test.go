package chat

func (c *Controller) GateCount() int {
	c.gatesMu.Lock()
	defer c.gatesMu.Unlock()
	return len(c.gates)
}

func (c *Controller) RoomLockCount() int { return c.rooms.Len() }
