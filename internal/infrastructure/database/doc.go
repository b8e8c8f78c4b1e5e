// Package database provides SQLite connectivity for the auth datastore.
//
// This package manages:
//   - Database connection with WAL mode and foreign keys
//   - Schema migrations read from an fs.FS (see the migrations package)
//   - Connection lifecycle and health checks
//
// The pool is capped at one connection. Every write, including the atomic
// failed-attempt increments on PIN credentials, is serialised by SQLite.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
