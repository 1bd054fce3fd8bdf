// Package httputil provides the JSON response helpers, request parsing and
// middleware used by the reconciler's operations endpoints.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, result)
//	httputil.WriteBadRequest(w, "person is required")
//	httputil.WriteACLError(w, err) // maps acl sentinel errors to status codes
//
// # Request Parsing
//
//	obj, ok := httputil.ParseObjectRefOrError(w, r)
//	person, err := httputil.ParseQueryInt64(r, "person", 0)
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//	)(router)
package httputil
