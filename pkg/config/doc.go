/*
Package config loads and validates the control plane's configuration.

Configuration is a single YAML file layered over compiled-in defaults;
Load("") returns the defaults unchanged so tests and ad-hoc runs need no
file at all. The struct mirrors the recognized option surface: port range,
root directories, health/recovery/metrics/backup/runtime tunables and
logging.
*/
package config
