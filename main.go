package main

import "github.com/miravo/scrapedesk/cmd"

func main() {
	cmd.Execute()
}
