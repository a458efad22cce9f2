/*
Package client provides a Go client for the HTTP API of the content sync daemon.

Client implements interfaces.Storage on top of the /api/content endpoints, so
a remote daemon can be read from and written to like any local store, and in
particular serve as the source of a migration. Requests are retried on
connection errors and 5xx responses. Error responses are mapped back to the
sentinel errors of the interfaces package.

# Example Usage

	c, err := client.NewClient("http://127.0.0.1:8080", client.Options{RetryMax: 3})
	if err != nil {
		return err
	}
	data, err := c.Read(ctx, "assets/logo.png")
	if errors.Is(err, interfaces.ErrNotFound) {
		// not cached and not mapped on the remote daemon
	}
*/
package client
