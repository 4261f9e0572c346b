package main

import (
	"flag"

	"onboard/process/report"
)

func main() {
	failures := flag.Int("failures", 10, "how many recent failures to list")
	flag.Parse()
	report.Run(*failures)
}
