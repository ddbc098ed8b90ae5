// Package blob stores the raw CSV uploaded for each run in an addressable
// object store. Objects are keyed "raw/<run_id>.csv"; Put returns the URI the
// run document records (file:// for Local, gs:// for GCS).
package blob
