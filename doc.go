// Package linking reconciles third-party logins into a single logical account
// and lets a second device join or extend that account through short-lived,
// single-use codes.
//
// Identity resolution:
//   - Resolver.Resolve maps a verified provider assertion to exactly one of
//     OutcomeExistingLogin, OutcomeAccountLinked or OutcomeNewIdentityCreated.
//     Lookup order is fixed: provider binding first, then a linkable email
//     match, then creation. Profile refresh on an existing login is best-effort.
//   - Resolver.LinkProvider is the explicit linking path. It never consults
//     email and is what the pairing flow drives.
//
// Pairing:
//   - PairingCoordinator issues one pending code per owner. Issuing again
//     supersedes the previous code. ConfirmPairing checks expiry explicitly and
//     then claims the code through CodeStore.Claim before any repository write,
//     so concurrent confirms for the same code observe exactly one success.
//
// Device login:
//   - DeviceLoginCoordinator issues a ticket reachable through a QR token and a
//     short numeric code. Both channels point at one ticket key and redeeming
//     either one claims that key and removes both channels.
//
// Roles:
//   - DecidePromotion is a pure, monotonic policy. Linking or pairing a
//     creation-capable provider, or a first creative upload, lifts an identity
//     to RoleArtist. Applying it again is a no-op and records nothing.
//
// Audit:
//   - Every state change appends a LinkingEvent through an EventLog. Event log
//     failures are logged and never fail the operation that produced them.
package linking
