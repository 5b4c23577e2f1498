/*
Package client provides a Go client for the cyberrange REST API.

The client is what the cyberrange CLI uses to talk to a running server. It
wraps every route of package api with a typed method, turns non-2xx
responses into *Error values and offers two helpers for the asynchronous
contract of the API:

  - WaitJob polls GET /jobs/{id} until the job is terminal, calling back
    with each status so a caller can render progress
  - WatchEvents opens the range's websocket channel, replaying the durable
    log after a timestamp before following live events

# Usage

	c, err := client.NewClient("localhost:8080")
	if err != nil {
		return err
	}

	accepted, err := c.RangeAction(rangeID, "deploy")
	if err != nil {
		return err
	}
	st, err := c.WaitJob(ctx, accepted.JobID, 0, func(s *jobs.Status) {
		if s.ProgressPercent != nil {
			fmt.Printf("\r%5.1f%%", *s.ProgressPercent)
		}
	})

# Errors

Every method returns *Error for API failures. IsNotFound and IsConflict test
for the two codes callers usually branch on:

	if _, err := c.CreateTemplate(t); client.IsConflict(err) {
		// already exists
	}

Request-scoped calls time out after 10 seconds. WaitJob and WatchEvents run
until their context ends.
*/
package client
