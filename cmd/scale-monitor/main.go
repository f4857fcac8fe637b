package main

import (
	"os"

	"github.com/TheCacophonyProject/go-utils/logging"
	monitor "github.com/wwade/scale/internal/scale-monitor"
)

var version = "<not set>"

var log = logging.NewLogger("info")

func main() {
	if err := monitor.Run(os.Args[1:], version); err != nil {
		log.Fatal(err)
	}
}
