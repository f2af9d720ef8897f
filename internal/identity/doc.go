// Package identity resolves and validates decentralized identities for
// autonomous agents. It wraps the external DID registry behind a Resolver
// abstraction, verifies DID document self-signatures, and caches successful
// verifications with a TTL so commerce flows do not hammer the registry.
package identity
