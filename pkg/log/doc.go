/*
Package log provides structured logging for ClusterForge built on zerolog.

A single global logger is initialized once at process start via Init and
consumed through component-scoped child loggers:

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("engine")
	logger.Info().Str("cluster_id", id).Msg("cluster created")

Console output (human-readable, RFC3339 timestamps) is the default;
JSONOutput switches to machine-parseable JSON for production deployments.
*/
package log
