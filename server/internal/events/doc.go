// Package events publishes run lifecycle events to Kafka so downstream
// maintenance systems can react to completed analyses.
package events
