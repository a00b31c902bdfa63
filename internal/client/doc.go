// Package client is a Go client for the hearth HTTP API.
//
// # Overview
//
// Submit sends one turn and returns a TurnStream that yields the turn's
// events in order until the terminal done or error event:
//
//	c := client.New("http://127.0.0.1:8080")
//	ts, err := c.Submit(ctx, client.TurnRequest{Message: "hi"}, "")
//	if err != nil {
//	    return err
//	}
//	defer ts.Close()
//	for {
//	    ev, err := ts.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    ...
//	}
//
// Admission failures (busy conversation, duplicate idempotency key, empty
// message, shutdown) come back from Submit as *APIError before any event.
//
// The remaining methods read history: Conversations, Turns, Turn and
// Sessions. Ready checks the readiness endpoint.
package client
