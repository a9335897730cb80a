// Package scope provides entity-scoped cache namespaces with
// generation-bump invalidation.
//
// Every entry key is prefixed with the owning entity's kind, identity
// and an opaque generation token, so two entities never share a key
// even with identical logical names. Clearing a namespace rotates the
// token: an O(1) write that makes every existing entry unreachable at
// once. Readers resolve the token before each read, so they observe
// either wholly pre-clear or wholly post-clear state, never a mix, and
// entries written under a retired token can never resurface. Orphaned
// entries age out through the base cache's TTL.
//
// The namespace is independent of the booking lock: it may be read,
// written and cleared without holding the lock, and code inside a
// critical section must tolerate its cached reads disappearing
// mid-section.
package scope
