// Package session manages authenticated capacity slots.
//
// A Session binds one Account to a credential obtained from an
// Authenticator. Sessions live in a bounded Pool that hands them out one job
// at a time, and a Manager keeps the pool populated: it authenticates
// accounts at startup, refreshes credentials before they lapse, evicts
// sessions that fail, and backfills from spare accounts.
//
// State machine:
//
//	Inactive -> Authenticating -> Active -> Expired
//	                  |             |  \--> Error
//	                  v             v
//	                Error     Authenticating (refresh)
package session
