// Package types contains the shared data model and small interfaces used
// across the sidereal coordination layer.
//
// Keeping these definitions in a leaf package lets internal packages depend
// on the model without importing the root sidereal package, avoiding import
// cycles. The root package re-exports the common types for convenience.
package types
