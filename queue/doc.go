// Package queue throttles job execution per job type and per owner.
//
// Some job types are expensive out of proportion to the rest: a single
// export build or image render can peg a core for minutes, while a
// two-factor delivery is milliseconds. Type-level limits keep the cheap
// jobs flowing when the heavy ones pile up; owner-level limits stop one
// account's bulk import from starving everyone else.
//
// # Per-Type Configuration
//
// Use [Config] to set a rate limit and concurrency cap for a job type:
//
//	queue.Config{
//	    Type:           job.TypeExportBuild,
//	    MaxConcurrency: 2,      // at most 2 exports running locally
//	    RateLimit:      0.5,    // at most one export claim every 2s
//	    RateBurst:      1,
//	}
//
// # Manager
//
// [Manager] is consulted at claim time. A rejected Acquire is not an
// error: the worker skips the job and leaves it queued for a later poll.
//
//	m := queue.NewManager(configs...)
//	if m.Acquire(j.Type, j.CreatedBy) {
//	    defer m.Release(j.Type, j.CreatedBy)
//	    // run the job
//	}
//
// Types without a [Config] have no limits beyond the pool-wide
// concurrency. Rate limiting uses a token bucket
// (golang.org/x/time/rate).
package queue
