package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Getenv, os.Getwd, os.Args[1:], streams{
		in:  os.Stdin,
		out: os.Stdout,
		err: os.Stderr,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "sunga:", err)
		os.Exit(1)
	}
}

type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}
