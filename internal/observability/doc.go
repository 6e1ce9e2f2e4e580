// Package observability provides logging and metrics support for the
// research tracker.
//
// # Logging
//
// Create a logger from configuration:
//
//	logger := observability.NewLogger(observability.LoggingConfig{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "stderr",
//	})
//
// Every fetch, dedupe and process run gets an id:
//
//	logger = observability.WithRunContext(logger, observability.NewRunID())
//
// # Metrics
//
//	metrics := observability.NewMetrics("research_tracker")
//	metrics.RecordIntake(report.Inserted, report.Duplicate, report.Failed, report.Skipped)
//
// Metrics also implements papersources.RequestObserver, so it can be handed
// straight to provider HTTP clients.
//
// # Standard Fields
//
//   - run_id: fetch, dedupe or process run identifier
//   - request_id: HTTP correlation identifier
//   - keyword: search keyword
//   - provider: provider name (arxiv, semantic_scholar, openalex, google_scholar)
//   - source: identity namespace of a record
//   - external_id: normalized provider id
package observability
