// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

// Command commrouterd is the server bootstrap binary: it wires a
// router.Router to the plain/TLS socket driver, the websocket driver, and
// the admin HTTP surface, the way the teacher's tadpole demo wires
// nano.Listen to a component registry from a cli.App (examples/demo/
// tadpole/main.go).
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/textrealm/commrouter/admin"
	"github.com/textrealm/commrouter/internal/env"
	"github.com/textrealm/commrouter/internal/log"
	"github.com/textrealm/commrouter/router"
	"github.com/textrealm/commrouter/transport"
	"github.com/textrealm/commrouter/wsdriver"
)

func main() {
	app := cli.NewApp()

	app.Name = "commrouterd"
	app.Author = "commrouter authors"
	app.Version = "0.1.0"
	app.Copyright = "commrouter authors reserved"
	app.Usage = "session and channel router daemon"

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "plain-addr", Value: ":6000", Usage: "plain TCP listen address"},
		cli.BoolFlag{Name: "plain", Usage: "enable the plain TCP listener"},
		cli.StringFlag{Name: "tls-addr", Value: ":6001", Usage: "TLS listen address"},
		cli.StringFlag{Name: "tls-cert", Usage: "TLS certificate path"},
		cli.StringFlag{Name: "tls-key", Usage: "TLS key path"},
		cli.BoolFlag{Name: "tls", Usage: "enable the TLS listener"},
		cli.StringFlag{Name: "ws-addr", Value: ":6002", Usage: "websocket listen address"},
		cli.StringFlag{Name: "ws-path", Value: "/ws", Usage: "websocket upgrade path"},
		cli.BoolFlag{Name: "ws", Usage: "enable the websocket listener"},
		cli.StringFlag{Name: "admin-addr", Value: ":6003", Usage: "admin HTTP listen address"},
		cli.BoolFlag{Name: "debug", Usage: "set env.Debug (no log output depends on it)"},
	}

	app.Action = serve

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(ctx *cli.Context) error {
	env.Debug = ctx.Bool("debug")
	env.PlainEnabled = ctx.Bool("plain")
	env.PlainAddr = ctx.String("plain-addr")
	env.TLSEnabled = ctx.Bool("tls")
	env.TLSAddr = ctx.String("tls-addr")
	env.TLSCertPath = ctx.String("tls-cert")
	env.TLSKeyPath = ctx.String("tls-key")

	r := router.New(newDemoAuth(), 1)

	if env.PlainEnabled {
		d := transport.NewPlainDriver(env.PlainAddr, r)
		if err := d.Start(); err != nil {
			return err
		}
		r.AddDriver(d)
		log.Printf("commrouterd: plain listener on %s", env.PlainAddr)
	}

	if env.TLSEnabled {
		d := transport.NewTLSDriver(env.TLSAddr, env.TLSCertPath, env.TLSKeyPath, r)
		if err := d.Start(); err != nil {
			return err
		}
		r.AddDriver(d)
		log.Printf("commrouterd: TLS listener on %s", env.TLSAddr)
	}

	if ctx.Bool("ws") {
		wsAddr := ctx.String("ws-addr")
		wsPath := ctx.String("ws-path")
		d := wsdriver.NewWSDriver(wsAddr, wsPath, r)
		if err := d.Start(); err != nil {
			return err
		}
		r.AddDriver(d)
		log.Printf("commrouterd: websocket listener on %s%s", wsAddr, wsPath)
	}

	r.Start()

	adminSrv := admin.New(ctx.String("admin-addr"), r)
	adminSrv.Start()
	log.Printf("commrouterd: admin surface on %s", ctx.String("admin-addr"))

	waitForShutdown()

	_ = adminSrv.Stop()
	r.Shutdown()
	return nil
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
