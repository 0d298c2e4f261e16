package que

// SQL templates for the que_jobs / que_lockers schema:
//
//	CREATE TABLE que_jobs (
//	  priority    smallint    NOT NULL DEFAULT 100,
//	  run_at      timestamptz NOT NULL DEFAULT now(),
//	  job_id      bigserial   NOT NULL,
//	  job_class   text        NOT NULL,
//	  args        json        NOT NULL DEFAULT '[]',
//	  error_count integer     NOT NULL DEFAULT 0,
//	  last_error  text,
//	  queue       text        NOT NULL DEFAULT '',
//	  CONSTRAINT que_jobs_pkey PRIMARY KEY (priority, run_at, job_id)
//	);
//
//	CREATE TABLE que_lockers (
//	  pid           integer NOT NULL PRIMARY KEY,
//	  worker_count  integer NOT NULL,
//	  ruby_pid      integer NOT NULL,
//	  ruby_hostname text    NOT NULL,
//	  listening     boolean NOT NULL
//	);
//
// Schema creation and migration themselves are out of scope here; these
// statements assume the tables already exist.

// sqlPollJobs is the recursive lock-acquisition CTE: it walks que_jobs in
// (priority, run_at, job_id) order one candidate at a time, each recursive
// step picking the next row after the previous one via a scalar subquery
// correlated on the previous row's sort columns. The recursive reference to
// cte stays at the top level of the recursive term's FROM (not nested
// inside that scalar subquery), and the ORDER BY/LIMIT 1 that picks the next
// candidate lives entirely inside the scalar subquery, which queries
// que_jobs directly and refers to cte only through the outer row's columns,
// never in its own FROM — both are required since
// Postgres forbids the recursive self-reference inside a sub-select and
// forbids ORDER BY/LIMIT in the recursive term itself. job_id values already
// present in $2 (the exclusion array) are never reconsidered, so this call
// can never re-lock a job this session already holds. pg_try_advisory_lock
// is only attempted in the final SELECT over the fully-formed cte, one row
// at a time as Postgres pulls rows to satisfy LIMIT $3, rather than inside
// the recursion: that keeps the composite row untouched (no per-field
// projection) while walking the candidates.
const sqlPollJobs = `
WITH RECURSIVE cte AS (
	SELECT * FROM (
		SELECT job
		FROM que_jobs AS job
		WHERE queue = $1::text
			AND job_id <> ALL ($2::bigint[])
			AND run_at <= now()
		ORDER BY priority, run_at, job_id
		LIMIT 1
	) AS t1
	UNION ALL (
		SELECT * FROM (
			SELECT (
				SELECT job
				FROM que_jobs AS job
				WHERE queue = $1::text
					AND job_id <> ALL ($2::bigint[])
					AND run_at <= now()
					AND (priority, run_at, job_id) > ((cte.job).priority, (cte.job).run_at, (cte.job).job_id)
				ORDER BY priority, run_at, job_id
				LIMIT 1
			) AS job
			FROM cte
			WHERE cte.job IS NOT NULL
		) AS t2
	)
)
SELECT (job).priority, (job).run_at, (job).job_id, (job).job_class, (job).args, (job).error_count, (job).queue
FROM cte
WHERE pg_try_advisory_lock((job).job_id)
LIMIT $3
`

// sqlLockJob is the single-job variant of sqlPollJobs used by the
// lower-level Client.LockJob escape hatch (spec.md §4.8/§9's mode=:sync
// discussion): same shape, no exclusion array, always at most one row.
const sqlLockJob = `
WITH RECURSIVE cte AS (
	SELECT * FROM (
		SELECT job
		FROM que_jobs AS job
		WHERE queue = $1::text
			AND run_at <= now()
		ORDER BY priority, run_at, job_id
		LIMIT 1
	) AS t1
	UNION ALL (
		SELECT * FROM (
			SELECT (
				SELECT job
				FROM que_jobs AS job
				WHERE queue = $1::text
					AND run_at <= now()
					AND (priority, run_at, job_id) > ((cte.job).priority, (cte.job).run_at, (cte.job).job_id)
				ORDER BY priority, run_at, job_id
				LIMIT 1
			) AS job
			FROM cte
			WHERE cte.job IS NOT NULL
		) AS t2
	)
)
SELECT (job).priority, (job).run_at, (job).job_id, (job).job_class, (job).args, (job).error_count
FROM cte
WHERE pg_try_advisory_lock((job).job_id)
LIMIT 1
`

// sqlCheckJob guards against the race where lock_job grabs a job that was
// already worked and deleted between the snapshot and the advisory lock
// attempt; a missing row here is not an error, it means start over.
const sqlCheckJob = `
SELECT true FROM que_jobs
WHERE priority = $1 AND run_at = $2 AND job_id = $3
`

// sqlGetJob re-reads a job by its handle. An empty result means the job was
// destroyed between lock acquisition and load; this is success, not error.
const sqlGetJob = `
SELECT priority, run_at, job_id, job_class, args, error_count, queue
FROM que_jobs
WHERE priority = $1 AND run_at = $2 AND job_id = $3
`

const sqlDeleteJob = `
DELETE FROM que_jobs
WHERE priority = $1 AND run_at = $2 AND job_id = $3
`

// sqlSetError bumps error_count, records last_error, and reschedules run_at
// delaySeconds into the future. It never releases the advisory lock; that
// remains the caller's responsibility.
const sqlSetError = `
UPDATE que_jobs
SET error_count = $1,
    run_at = now() + $2 * '1 second'::interval,
    last_error = $3
WHERE priority = $4 AND run_at = $5 AND job_id = $6
`

const sqlInsertJob = `
INSERT INTO que_jobs (queue, priority, run_at, job_class, args)
VALUES (
	COALESCE($1, ''),
	COALESCE($2, 100),
	COALESCE($3, now()),
	$4,
	$5
)
`

const sqlUnlockJob = `SELECT pg_advisory_unlock($1)`

// sqlRegisterLocker inserts this session's row into que_lockers, keyed by
// its own pg_backend_pid().
const sqlRegisterLocker = `
INSERT INTO que_lockers (pid, worker_count, ruby_pid, ruby_hostname, listening)
VALUES (pg_backend_pid(), $1, $2, $3, $4)
`

// sqlCleanLockers garbage-collects locker rows whose backend is no longer
// present in pg_stat_activity, i.e. the process that registered them died
// without a clean shutdown.
const sqlCleanLockers = `
DELETE FROM que_lockers
WHERE pid NOT IN (SELECT pid FROM pg_stat_activity)
`

const sqlDeleteLocker = `
DELETE FROM que_lockers WHERE pid = pg_backend_pid()
`
