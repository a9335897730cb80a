// Package event holds the bookable entity that turnstile's locks and
// cache namespaces revolve around, plus its stores and save signals.
//
// An Event is identified by organizer and slug. Saving one fires the
// Saved signal synchronously after the row is persisted, which is how
// the entity's cache namespace gets cleared (scope.ClearOnSave) and how
// change feeds learn about edits. Hook failures are logged, never
// surfaced: a save that persisted is a save that succeeded.
package event
