// Package storage persists scheduled posts, accounts and the history log in
// SQLite.
//
// One *DB owns the connection pool for the whole process. Posts, Accounts and
// History are thin views over it that implement the domain store interfaces.
package storage
