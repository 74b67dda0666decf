package wssip

import (
	"fmt"
	"runtime"
)

// Version is set at build time with -ldflags "-X github.com/wssip/wssip/wssip.Version=..."
var Version = "0.1.0"

// Platform describes the running OS and architecture
var Platform = fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
