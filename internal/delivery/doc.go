// Package delivery binds packages to licenses and gets them onto devices.
//
// There are two paths. Push: Assign records the package on the license and,
// when the bound device resolves to a live transport, sends a
// package:delivery event to it; SendNow does the same push without touching
// the assignment and fails when nobody is online. Pull: IssueDownloadGrant
// materializes the package and returns an unguessable token that can be
// redeemed over plain HTTP any number of times until it expires.
//
// Expired grants are pruned (and their artifacts released) before every
// issue and redemption and by the periodic maintenance sweep. Pruned tokens
// are remembered for a while so late redemptions answer Expired instead of
// NotFound.
package delivery
