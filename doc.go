// Package covpipe contains the shared types and small utilities used across
// the coverage upload processing engine: the KV cache & locking interface,
// the blob and metadata store interfaces, UUIDs, error codes and the
// bounded-concurrency task runner.
//
// Backend implementations live in their own packages (redis, cassandra,
// aws_s3) and the pipeline core lives in the pipeline package.
package covpipe
