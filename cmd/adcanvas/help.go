// ABOUTME: Help display for the adcanvas CLI with grouped flags, examples, and environment variables.
// ABOUTME: printHelp is installed as the flag set's Usage function.
package main

import (
	"fmt"
	"io"
)

// printHelp writes usage patterns, grouped flags, examples, and environment variables to w.
func printHelp(w io.Writer, ver string) {
	fmt.Fprintf(w, "adcanvas %s: generate ad creatives from a product page\n", ver)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  adcanvas [flags] <product-url>     Generate ads and print progress")
	fmt.Fprintln(w, "  adcanvas -tui [<product-url>]      Interactive terminal UI")
	fmt.Fprintln(w, "  adcanvas -export <file>            Export the project without generating")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -backend <url>     Backend base URL")
	fmt.Fprintln(w, "  -project <id>      Project whose chat and canvas are loaded and saved")
	fmt.Fprintln(w, "  -data-dir <dir>    Database, journal, and log directory")
	fmt.Fprintln(w, "  -n <count>         Images to generate (1-8)")
	fmt.Fprintln(w, "  -dev               Run the simulated backend in-process")
	fmt.Fprintln(w, "  -tui               Interactive terminal UI")
	fmt.Fprintln(w, "  -export <file>     Write .md, .html, or .yaml after the run")
	fmt.Fprintln(w, "  -verbose           Debug logging")
	fmt.Fprintln(w, "  -version           Print version and exit")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  adcanvas -dev https://shop.example/products/mug")
	fmt.Fprintln(w, "  adcanvas -project spring -export spring.html")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Environment:")
	for _, kv := range [][2]string{
		{"ADCANVAS_BACKEND", "backend URL (default http://127.0.0.1:7780)"},
		{"ADCANVAS_PROJECT", "project ID (default \"default\")"},
		{"ADCANVAS_DATA_DIR", "data directory"},
		{"ADCANVAS_N_IMAGES", "images per job (default 4)"},
		{"ADCANVAS_LOG_LEVEL", "debug, info, warn, error"},
		{"ADCANVAS_MAX_RECONNECTS", "stream reconnect attempts (default 5)"},
	} {
		fmt.Fprintf(w, "  %-24s %s\n", kv[0], kv[1])
	}
	fmt.Fprintln(w, "Variables are also read from .env and .env.local.")
}
