//go:build !linux

package main

import "github.com/pion/mediadevices"

// codecSelector has no capture drivers to offer outside Linux; the peer can
// still join but every capture attempt reports no-device.
func codecSelector() (*mediadevices.CodecSelector, error) {
	return nil, nil
}
