// Package collection validates Postman collection and environment documents before they
// are committed alongside the generated pipeline.
package collection
