/*
Package template discovers cluster templates on disk.

A template is a subdirectory of the configured templates root containing a
cluster.yaml manifest:

	image: nginx:1.25
	container_port: 80
	health_path: /health
	env:
	  NGINX_ENTRYPOINT_QUIET_LOGS: "1"
	quotas:
	  cpu: 1.0
	  memory_mb: 512
	  disk_gb: 5
	  network_mbps: 0

The registry extracts only this metadata; the rest of the template
directory is copied verbatim into each cluster's workspace by the
workspace manager. Templates load at startup and on explicit Refresh.
*/
package template
