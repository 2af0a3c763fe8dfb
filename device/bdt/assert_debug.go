//go:build bdtdebug

package bdt

const checkOwnership = true
