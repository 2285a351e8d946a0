// Package connector defines the gateway between the sync engine and a
// remote object store.
//
// A Connector is opened once per run and closed when the run ends. Errors
// are classified for the engine:
//
//   - *RemoteWriteError and *RemoteNotFoundError fail one record
//   - *FatalError aborts the run
//   - ErrNoData from Fetch is an empty page
//
// Any other error from Fetch is treated as fatal; any other error from
// Insert or Update as a record failure.
package connector
