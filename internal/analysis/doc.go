// Package analysis provides the HTTP client for the transcript analysis
// collaborator, which turns a finished call's transcript into a derived
// artifact (summary and extracted booking details).
package analysis
