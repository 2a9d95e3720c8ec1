// features.go - version/build info surfaced by the -version flag.
//
// (c) 2026 - GPLv3 or later

package main

import (
	"fmt"
	"runtime"
	"sort"
)

// Version is the module's released version string.
const Version = "0.1.0"

// compiledFeatures lists build-time feature flags. No file in this build
// appends to it, so printFeatures reports "(none)".
var compiledFeatures []string

func printFeatures() {
	fmt.Printf("ps4substrate %s\n", Version)
	fmt.Printf("  Go version: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("Compiled features:")

	sort.Strings(compiledFeatures)
	for _, f := range compiledFeatures {
		fmt.Printf("  %s\n", f)
	}
	if len(compiledFeatures) == 0 {
		fmt.Println("  (none)")
	}
}
