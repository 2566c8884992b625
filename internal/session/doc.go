// Package session persists the portal Session and coordinates re-login.
//
// FileStore keeps the cookies and browser storage state together in a single
// JSON document that is replaced atomically. Manager hands the current Session
// to workers, serialises interactive logins so that concurrent expiry reports
// trigger a single browser run, and only discards a persisted Session when the
// caller proves it observed that same Session failing.
package session
