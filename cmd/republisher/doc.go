// Command republisher turns spreadsheets of image links into spreadsheets of
// normalized, self-hosted JPEGs.
//
// One binary plays every role, selected by subcommand:
//   - serve: HTTP API (upload, status, cancel, delete, download, image
//     serving, admin settings) plus the purge-request listener.
//   - worker: consumes batch jobs from the Redis-backed queue, one at a time.
//   - supervise: keeps the desired number of worker processes alive and
//     requests daily purges when auto purge is on.
//   - purge: runs a single retention pass and prints its report as JSON.
//
// All roles share Redis for batch state, settings, cancel flags and the job
// queue, and the storage root (local directory or GCS bucket) for workbooks
// and images. Configuration comes from the --config YAML file with
// REPUBLISHER_* environment overrides, e.g. REPUBLISHER_REDIS_ADDR.
package main
