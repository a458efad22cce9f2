/*
Package httpserver implements the HTTP API of the content sync daemon.

It exposes a storage provider over HTTP: content is written to the local cache
and replicated to the content network in the background, and reads fall back
to the network through the address mapping registry. The sync queue, the
mapping registry and the migration engine are exposed for operators.

# Content Endpoints

  - GET /api/content?prefix= - List cached and mapped paths
  - GET /api/content/{path} - Read content, fetching it from the network if needed
  - HEAD /api/content/{path} - Check whether a path exists
  - PUT /api/content/{path} - Write content; returns once stored locally
  - DELETE /api/content/{path} - Remove the local copy and the mapping
  - POST /api/pins/{path} - Pin the content mapped to a path
  - DELETE /api/pins/{path} - Unpin it

# Queue Endpoints

  - GET /api/queue - List queue items
  - GET /api/queue/status - Item counts per state
  - POST /api/queue/process - Start pending uploads when automatic processing is off
  - POST /api/queue/retry - Move failed items back to pending
  - POST /api/queue/clear - Drop completed items
  - DELETE /api/queue/{id} - Cancel a pending item

# Mapping Endpoints

  - GET /api/mappings?q=&pinned=&from=&to= - Query mappings
  - DELETE /api/mappings - Clear all mappings
  - GET /api/mappings/stats - Registry aggregates
  - GET /api/mappings/export - Download the {version, mappings} snapshot
  - POST /api/mappings/import - Merge a snapshot

# Migration Endpoints

Migrations copy the secondary provider into the primary one.

  - GET /api/migration - Current or last progress
  - POST /api/migration - Start a migration in the background
  - POST /api/migration/cancel - Stop after the current batch
  - POST /api/migration/reset - Clear the progress of a finished migration
  - GET /api/migration/estimate - Extrapolated size and duration

# Health Endpoints

  - GET /livez - Liveness check
  - GET /readyz - Readiness check
  - GET /drain - Gracefully mark server as not ready
  - GET /undrain - Mark server as ready
  - GET /healthz/network - Content network health

# Errors

Errors are returned as {"error": "..."} with the status derived from the
underlying sentinel: 404 for interfaces.ErrNotFound, 405 for
interfaces.ErrUnsupportedOperation, 409 for interfaces.ErrMigrationInProgress,
503 for interfaces.ErrStorageUnavailable, 502 and 504 for network failures
and timeouts.

# Example Usage

	handler := httpserver.NewHandler(httpserver.HandlerConfig{
		Primary:    primary,
		Secondary:  secondary,
		Migrations: migration.NewEngine(logger, metricsSrv.Collectors()),
		Log:        logger,
	})

	server, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               ":8080",
		MetricsAddr:              ":8090",
		Log:                      logger,
		DrainDuration:            45 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
	}, handler, metricsSrv)
	if err != nil {
		return err
	}
	server.RunInBackground()
	defer server.Shutdown()
*/
package httpserver
