package main

import (
	"os"

	"github.com/TheCacophonyProject/go-utils/logging"
	discover "github.com/wwade/scale/internal/scale-discover"
)

var version = "<not set>"

var log = logging.NewLogger("info")

func main() {
	if err := discover.Run(os.Args[1:], version); err != nil {
		log.Fatal(err)
	}
}
