// Package pipeline orchestrates one analysis: persist the raw upload, create
// the run document, parse and extract KPIs, obtain a diagnosis, and store the
// results. It also serves result lookups and grounded chat about analyzed
// runs.
//
// A run that fails after it has been created is marked failed with the error
// text, so clients polling /results see the outcome.
package pipeline
