// Package satellite implements the replication core of a local-first SQLite
// client. Applications write to the local database normally; triggers capture
// every write into an oplog, a snapshotter timestamps and ships those writes
// to an upstream replication service, and inbound transactions from other
// writers are merged back using a last-writer-wins scheme with deletion
// observability.
//
// The central object is Satellite, which owns the lifecycle: it installs the
// internal schema, resolves a stable client identity, connects a replication
// Client, and keeps the local database converged with the upstream log.
//
// # Basic Usage
//
//	adapter, _ := satellite.NewSQLiteAdapter(satellite.DefaultSQLiteAdapterConfig())
//	client := satellite.NewWebSocketClient(satellite.DefaultWebSocketClientConfig())
//	sat := satellite.NewSatellite(adapter, client, satellite.NewNotifier(), satellite.DefaultConfig())
//	handle, err := sat.Start(ctx, satellite.AuthConfig{Token: token})
package satellite
