/*
Package ports allocates unique host TCP ports for clusters.

The allocator owns a configured half-open range [lo, hi). Acquire returns
the lowest free port; Release returns one on cluster deletion; Reserve
seeds the pool from persisted cluster records on process start so a
restart never hands out a port an existing cluster already holds.
*/
package ports
