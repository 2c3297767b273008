package redis

// Redis key naming conventions for convoy data.
// All keys are prefixed with "convoy:" to avoid collisions.

const keyPrefix = "convoy:"

// ── Job keys ──

// jobKey returns the key for a job entity: convoy:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// queuedKey is the Sorted Set indexing claimable jobs. Scores encode
// priority (negated) plus a creation-time fraction so ZRANGE yields
// claim order.
const queuedKey = keyPrefix + "queued"

// changeChannel is the Pub/Sub channel job mutations publish to.
const changeChannel = keyPrefix + "jobs"

// ── Registry keys ──

// workerKey returns the key for a worker entity: convoy:worker:{id}
func workerKey(id string) string { return keyPrefix + "worker:" + id }

// workerIDsKey is the Set tracking all worker IDs for enumeration.
const workerIDsKey = keyPrefix + "worker_ids"
