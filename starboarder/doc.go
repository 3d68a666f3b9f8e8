// Package starboarder implements a Discord community-moderation bot.
//
// Starboarder gates new members behind a rules agreement and a staff
// reviewed verification request, reminds and purges members who never
// finish verifying, and scores joining accounts for signs of ban evasion.
// It also runs a starboard, an awards ledger tied to guild roles,
// self-assignable age roles, theme-of-the-week photo submissions, and
// weather, sun and moon lookups.
//
// Key components of the package include:
//
//   - Starboarder: owns the gateway session and dispatches events.
//   - Discord: wraps the discordgo session with logging and guild tracking.
//   - Store: persists the shared Document (json, bolt, sqlite or postgres),
//     with optimistic versioning.
//   - API: the bearer-token protected admin HTTP API.
//
// Every mutating moderation action honours dry-run mode, which is seeded
// from the config and can be changed through the admin API.
package starboarder
