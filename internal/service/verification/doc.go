// Package verification implements single-use, time-limited capability
// tokens: email-address verification for double opt-in, and magic-link
// administrator login.
//
// A token is consumable at most once. Consumption is delegated to the
// repository as an atomic compare-and-set so that two concurrent redemption
// attempts cannot both succeed.
package verification
