//go:build !bdtdebug

package bdt

// checkOwnership turns ownership violations into panics. Enable it with
// the bdtdebug build tag.
const checkOwnership = false
