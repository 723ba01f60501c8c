/*
Package workspace manages per-cluster working directories.

Each cluster owns one directory named by its id under the configured
workspaces root. Create copies the cluster's template directory in and
renders runtime.yaml with the cluster's identity, port, env and quotas;
the directory is staged in a temp dir and published with a single rename
so a crash mid-create never leaves a partial workspace visible.

Destroy removes a workspace only for clusters in DELETING. Sweep converges
the root after a crash: leftover staging directories and workspaces whose
cluster record is DELETED are removed.
*/
package workspace
