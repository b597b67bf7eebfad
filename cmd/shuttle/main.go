package main

import (
	"context"
	"os"

	"shuttleci.dev/core/log"
	"shuttleci.dev/core/shuttle"
)

func main() {
	ctx := log.NewContext(context.Background(), "shuttle")
	err := shuttle.Run(ctx)
	if err != nil {
		log.FromContext(ctx).Error("error running shuttle", "error", err)
		os.Exit(-1)
	}
}
