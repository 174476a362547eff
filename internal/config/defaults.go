// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined
// here. This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// SERVER DEFAULTS
// =============================================================================

// DefaultListenAddr is the address the HTTP server binds when unset.
const DefaultListenAddr = ":8090"

// DefaultReadTimeout bounds how long a request body read may take.
const DefaultReadTimeout = 30 * time.Second

// DefaultWriteTimeout bounds how long a response write may take. Chat calls
// wait on an upstream model, so this is generous.
const DefaultWriteTimeout = 2 * time.Minute

// DefaultShutdownTimeout is how long graceful shutdown waits for in-flight
// requests before the listener is forced closed.
const DefaultShutdownTimeout = 10 * time.Second

// MaxRequestBodySize is the maximum allowed request body (1MB). Chat turns
// are text, nothing close to this arrives legitimately.
const MaxRequestBodySize = 1 * 1024 * 1024

// =============================================================================
// PROVIDER DEFAULTS
// =============================================================================

// DefaultChatModel serves chat and journal turns when the request does not
// name a model.
const DefaultChatModel = "gemini-2.0-flash"

// DefaultEmotionModel serves the emotion-analysis sub-call. A fast cheap
// model is enough for a one-word classification.
const DefaultEmotionModel = "gemini-2.0-flash"

// DefaultProviderTimeout bounds one upstream model invocation.
const DefaultProviderTimeout = 60 * time.Second

// DefaultMaxTokens caps the completion length requested from providers.
const DefaultMaxTokens = 1024

// TokenEstimateRatio is the approximate number of characters per token.
// Used for rough token counting when exact counts aren't available.
const TokenEstimateRatio = 4

// =============================================================================
// STORAGE DEFAULTS
// =============================================================================

// DefaultDatabasePath is the on-disk SQLite ledger location.
const DefaultDatabasePath = "data/ledger.db"

// DefaultHistoryLimit is how many turns a history query returns when the
// caller does not say.
const DefaultHistoryLimit = 100

// =============================================================================
// EXPORT DEFAULTS
// =============================================================================

// DefaultExportPrefix is the object key prefix for monthly report exports.
const DefaultExportPrefix = "usage-reports"
