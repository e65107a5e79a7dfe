// Package deploy is the client side of index management. Clients write
// index metadata into the coordination tree and watch it; the leader
// does the actual work.
//
// # Requests
//
//	AddIndex        creates the index record in ANNOUNCED
//	RemoveIndex     moves the index to UNDEPLOYING
//	RetryIndex      moves an index in ERROR back to ANNOUNCED
//	SetReplication  changes the replication factor in place
//
// Every state change goes through cluster.UpdateIndex, so a client and
// the leader writing the same record at once both succeed in turn.
//
// # Futures
//
// AddIndex, RemoveIndex and RetryIndex return a Future. The future
// subscribes to the index record before the request is written, so the
// outcome cannot slip past it. It resolves when the index is DEPLOYED,
// fails with a *DeployFailedError when it reaches ERROR, and for a
// removal resolves once the record is gone.
//
//	future, err := client.AddIndex(deploy.IndexSpec{
//		Name:        "books",
//		Source:      "file:///data/books",
//		Replication: 2,
//	})
//	if err != nil {
//		return err
//	}
//	defer future.Close()
//	idx, err := future.Wait(ctx)
//
// Await attaches to an index some other client announced.
package deploy
