// main.go
package main

import (
	"flag"
	"fmt"
	"os"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")

	configPath = flag.String("config", "meshroom.json", "Path to config file")
	roomID     = flag.String("room", "", "Room id to join")
	name       = flag.String("name", "", "Display name (overrides config)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("meshroom v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}
	if *roomID == "" {
		showUsage()
		os.Exit(2)
	}

	app := NewApp(*configPath, *roomID, *name)
	if err := app.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`meshroom — multi-party WebRTC mesh client

Usage:
  meshroom -room <id> [-name <display name>] [-config <path>]

Flags:`)
	flag.PrintDefaults()
}
