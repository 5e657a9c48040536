// Package client talks to the hosted backend.
//
// # Overview
//
//  1. AuthAPI is the contract of the auth HTTP API (sign-up, password and
//     refresh-token grants, logout, user lookup, password recovery) and
//     GoTrue implements it.
//  2. Transport is the row-level data contract (select/insert/update/delete
//     on a table with filters). REST speaks the PostgREST dialect, Fresh
//     builds a brand new REST client per call, Raw issues bare requests with
//     the persisted credential, and PG goes straight to Postgres via pgx.
//  3. Chain tries an ordered list of transports, each under its own timeout,
//     and returns the first success.
//  4. InitDatabase and RunMigrations bootstrap the local SQLite store.
//
// # Error Handling
//
// Every transport maps its failures through one function per transport into
// *common.Error values, so callers branch on common.KindOf and never on HTTP
// statuses or SQLSTATE codes.
package client
