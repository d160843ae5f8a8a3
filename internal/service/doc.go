// Package service audits the documents of an inbox directory.
//
// Overview
// The Supervisor owns an event loop. Every pass walks the inbox, audits each
// document not seen before (or modified since) through an Auditor, usually a
// *session.Session, and hands a report of every finished audit to its sinks.
//
// Modes:
//   - manual: Do runs exactly one pass and returns its error.
//   - timer: a gocron scheduler calls Start on a cron expression or an
//     ISO8601 duration; Do loops until ctx is cancelled and only logs errors.
//
// Data flow:
//
//	Supervisor          Auditor (session)          Sink
//	    |                    |                       |
//	Start() -> pass -------->| Run(path)             |
//	    |   (errgroup limit) | upload/start/poll     |
//	    |<----- Outcome -----|                       |
//	    | report.New ------------------------------->| Put
//
// Invariants:
//   - At most one pass runs at a time; Starts made during a pass are merged
//     into a single following pass.
//   - At most service.parallel audits run concurrently.
//   - A document is audited again only when its modification time changes.
//   - A FAILED audit is a result and is reported like a completed one.
package service
