// Package middleware holds the HTTP middleware of the runner's API.
package middleware

type contextKey string
