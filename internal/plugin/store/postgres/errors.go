package postgres

import registrystore "github.com/driftbound/convoy/internal/registry/store"

// Re-export error types from registry/store for backward compatibility.
type NotFoundError = registrystore.NotFoundError
type ValidationError = registrystore.ValidationError
type ConflictError = registrystore.ConflictError
type ForbiddenError = registrystore.ForbiddenError
