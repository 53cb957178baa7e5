/*
Package kernelclient is a client for remote Jupyter-protocol kernels reached
through a Jupyter Server: kernel lifecycle over the REST API, execution over a
single multiplexed websocket carrying the shell, iopub and stdin channels.

The heart of the package is the request correlator. Every inbound envelope
from the shared stream is matched by its parent id against the table of
outstanding requests; matching broadcast events are merged, in arrival order,
into a per-request accumulator which finishes only once both the idle status
and the direct reply have been observed. Concurrent executions on one
connection are isolated from each other and from activity caused by other
clients attached to the same kernel.

	client, err := kernelclient.Attach(ctx, "http://localhost:8888", token)
	if err != nil { ... }
	defer client.Close(ctx)

	res, err := client.Execute(ctx, "1+1")
	if err != nil { ... }
	fmt.Println(res.TextResult()) // "2"
*/
package kernelclient
