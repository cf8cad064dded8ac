//go:build !unix

package main

import (
	"context"

	"github.com/dkeye/peercall/internal/app/call"
)

func watchControls(context.Context, *call.Controller) {}
