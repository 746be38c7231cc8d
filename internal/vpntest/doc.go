// Package vpntest provides utilities for vpncore testing.
package vpntest
