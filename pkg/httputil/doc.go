// Package httputil maps engine errors to HTTP responses and provides the
// middleware the accessd listener runs with.
//
// # Error Mapping
//
// StatusCode translates the rbac error categories:
//
//	rbac.ErrNotFound   -> 404 Not Found
//	rbac.ErrImmutable  -> 409 Conflict
//	rbac.ErrConflict   -> 403 Forbidden
//	rbac.ErrValidation -> 422 Unprocessable Entity
//	anything else      -> 500 Internal Server Error
//
// A service embedding the engine can answer with:
//
//	if err := engine.Matrix.ToggleCell(ctx, roleID, permID); err != nil {
//		httputil.WriteError(w, err)
//		return
//	}
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//	)(router)
package httputil
