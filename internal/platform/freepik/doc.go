// Package freepik is the adapter for the provider's asynchronous job API.
//
// Client submits jobs to the endpoint a registry model names, encoding the
// payload as JSON or multipart form data, and resolves job status through the
// model's status endpoint template. Every response shape the provider uses
// (fields at the top level or nested under "data") is normalized into
// DispatchResult and StatusResult.
//
// Mock implements the same Provider interface with canned responses for
// running the service without provider access.
package freepik
