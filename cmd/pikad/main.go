package main

import (
	"flag"

	"github.com/suhailsaqan/pika/internal/daemon"
	"github.com/suhailsaqan/pika/internal/session"
	"go.uber.org/fx"
)

func main() {
	baseDir := flag.String("base-dir", session.BaseDir(), "data directory")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{BaseDir: *baseDir}),
	)

	app.Run()
}
