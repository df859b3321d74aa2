// Copyright (c) commrouter Authors. All Rights Reserved.
// Use of this source code is governed by an MIT-style license.

// Command commrouterctl is the admin CLI front-end for the query surface
// spec.md §4.3.1 names only "indirect": get_session_stats, get_online_ids,
// get_online_count, disconnect_session. It talks to a running commrouterd's
// admin HTTP surface (package admin), the same relationship the teacher's
// tadpole cli.App has to the server process it configures and launches
// (examples/demo/tadpole/main.go), except here the CLI is a separate,
// short-lived client rather than the long-running process itself.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()

	app.Name = "commrouterctl"
	app.Author = "commrouter authors"
	app.Version = "0.1.0"
	app.Usage = "admin client for a running commrouterd"

	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "addr", Value: "http://localhost:6003", Usage: "commrouterd admin HTTP address"},
	}

	app.Commands = []cli.Command{
		{
			Name:  "sites",
			Usage: "list registered site ids",
			Action: func(ctx *cli.Context) error {
				return getJSON(ctx, "/sites", nil)
			},
		},
		{
			Name:      "online",
			Usage:     "list (or, with --count, count) online entities at a site",
			ArgsUsage: "<site>",
			Flags:     []cli.Flag{cli.BoolFlag{Name: "count"}},
			Action: func(ctx *cli.Context) error {
				site := ctx.Args().First()
				if site == "" {
					return cli.NewExitError("missing site argument", 1)
				}
				q := url.Values{"site": {site}}
				if ctx.Bool("count") {
					q.Set("count", "1")
				}
				return getJSON(ctx, "/online", q)
			},
		},
		{
			Name:      "stats",
			Usage:     "session stats for a site, or for one entity with --number",
			ArgsUsage: "<site>",
			Flags:     []cli.Flag{cli.StringFlag{Name: "number"}},
			Action: func(ctx *cli.Context) error {
				site := ctx.Args().First()
				if site == "" {
					return cli.NewExitError("missing site argument", 1)
				}
				q := url.Values{"site": {site}}
				if n := ctx.String("number"); n != "" {
					q.Set("number", n)
				}
				return getJSON(ctx, "/stats", q)
			},
		},
		{
			Name:      "disconnect",
			Usage:     "force-disconnect one entity",
			ArgsUsage: "<site> <number>",
			Action: func(ctx *cli.Context) error {
				if ctx.NArg() != 2 {
					return cli.NewExitError("usage: disconnect <site> <number>", 1)
				}
				q := url.Values{"site": {ctx.Args().Get(0)}, "number": {ctx.Args().Get(1)}}
				return postEmpty(ctx, "/disconnect", q)
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getJSON(ctx *cli.Context, path string, q url.Values) error {
	u := ctx.GlobalString("addr") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	resp, err := http.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func postEmpty(ctx *cli.Context, path string, q url.Values) error {
	u := ctx.GlobalString("addr") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	resp, err := http.Post(u, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return cli.NewExitError(fmt.Sprintf("%s: %s", resp.Status, body), 1)
	}
	if resp.ContentLength == 0 || resp.StatusCode == http.StatusNoContent {
		fmt.Println("ok")
		return nil
	}
	var v interface{}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
