// Package observability builds the structured logger shared by every
// service of the orchestrator.
package observability
