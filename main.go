package main

import "github.com/dhcgn/imap-attachment-sync/cmd"

func main() {
	cmd.Execute()
}
