/*
Package client is the Go SDK workers embed to talk to the coordinator.

A Client wraps the HTTP API and the websocket event stream behind typed
methods. Register or Login stores the issued bearer token on the
client; every later call sends it automatically.

# Usage

	c := client.New("http://coordinator:8080")
	if err := c.Register(ctx, "render-03", "Render 03", "192.168.1.13", fingerprint); err != nil {
		return err
	}

	task, err := c.CreateTask(ctx, "nightly compression", types.TaskTypeVolumeCompression, params)
	if err != nil {
		return err
	}

	if err := c.AcquireLock(ctx, `Y:\Data\Shot01`, "render-03"); err != nil {
		if errdefs.IsConflict(err) {
			// somebody else is working that path
		}
		return err
	}

# Errors

Non-2xx responses surface as *APIError carrying the status code, the
server's message, and any per-field validation map. APIError unwraps to
the errdefs kinds, so the classification helpers keep working on the
client side:

	err := c.AcquireLock(ctx, path, nodeID)
	switch {
	case errdefs.IsConflict(err):   // lock held elsewhere
	case errdefs.IsForbidden(err):  // acting for a foreign node
	}

The server folds both state conflicts and row-version mismatches into
409, so both arrive as ErrConflict.

# Events

Events dials the websocket stream and returns a receive channel:

	ch, err := c.Events(ctx, events.EventJobChanged)
	if err != nil {
		return err
	}
	for event := range ch {
		// payloads decode as generic JSON maps
	}

The channel closes on context cancellation, connection loss, or a
server-side drop for lagging. After a close, re-fetch current state
before resubscribing; events in the gap are gone.
*/
package client
