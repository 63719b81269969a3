// Package provider implements the code providers the bridge serves scripts from.
//
// A CodeProvider fetches files by relative path, normalizes paths so the
// bridge can tell whether a change concerns the entry file, and reports
// changes to a single subscriber.
//
//   - FS serves a local directory and polls it for changes.
//   - S3 serves a bucket prefix and polls its listing for ETag changes.
//   - Traced wraps either one with OpenTelemetry spans.
//   - Memory holds files in a map, for embedding and tests.
package provider
